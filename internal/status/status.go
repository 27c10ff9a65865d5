// Package status projects bindings and container records into the
// per-service view served by the API.
package status

import (
	"github.com/loykin/runstat/internal/runtime"
	"github.com/loykin/runstat/internal/service"
	"github.com/loykin/runstat/internal/state"
)

// ServiceStatus is the merged runtime view of one service.
type ServiceStatus struct {
	Running    bool    `json:"running"`
	Pending    bool    `json:"pending"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	Error      string  `json:"error,omitempty"`

	ContainerID string `json:"container_id,omitempty"`
	LastAction  string `json:"last_action,omitempty"`
}

// Project merges a binding with its container record. rec may be nil when
// the container has not been observed yet; that is a normal transient state
// and reads as running and pending.
func Project(b state.Binding, rec *state.Record) ServiceStatus {
	st := ServiceStatus{Pending: b.Pending, Error: b.LastError}
	if b.ContainerID == "" {
		return st
	}
	st.Running = true
	st.ContainerID = b.ContainerID
	if rec == nil {
		st.Pending = true
		st.LastAction = runtime.ActionUnknown.String()
		return st
	}
	st.Pending = b.Pending || !rec.LastAction.Settled()
	st.CPUPercent = rec.Usage.CPUPercent
	st.MemoryMB = rec.Usage.MemoryMB
	st.LastAction = rec.LastAction.String()
	return st
}

// Projector reads consistent snapshots of the shared tables.
type Projector struct {
	tables *state.Tables
}

// NewProjector returns a Projector reading from tables.
func NewProjector(tables *state.Tables) *Projector {
	return &Projector{tables: tables}
}

// Get returns the status of svc. ok is false if svc is not supervised.
func (p *Projector) Get(svc service.Service) (st ServiceStatus, ok bool) {
	p.tables.View(func(tx *state.Tx) {
		b := tx.Binding(svc)
		if b == nil {
			return
		}
		ok = true
		st = Project(*b, tx.Record(b.ContainerID))
	})
	return st, ok
}

// All returns the status of every supervised service.
func (p *Projector) All() map[service.Service]ServiceStatus {
	out := make(map[service.Service]ServiceStatus)
	p.tables.View(func(tx *state.Tx) {
		for _, svc := range tx.Services() {
			b := tx.Binding(svc)
			out[svc] = Project(*b, tx.Record(b.ContainerID))
		}
	})
	return out
}
