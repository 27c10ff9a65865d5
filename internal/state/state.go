// Package state holds the two tables shared by the lifecycle controller and
// the event reconciler: bindings by service and container records by id,
// plus the container->service index kept in step with the bindings.
package state

import (
	"sync"

	"github.com/loykin/runstat/internal/runtime"
	"github.com/loykin/runstat/internal/service"
	"github.com/loykin/runstat/internal/stats"
)

// Binding links a service to its current container.
type Binding struct {
	ContainerID string
	Pending     bool
	LastError   string
}

// Record is everything known about one observed container.
type Record struct {
	ContainerID string
	LastAction  runtime.Action
	Usage       stats.Usage
	Prev        *stats.Snapshot

	sub    *onceSub
	gen    uint64
	closed bool
}

// StatsClosed reports whether the stats subscription has been torn down.
// Once closed, a record never accepts stats again.
func (r *Record) StatsClosed() bool { return r.closed }

// NextGeneration starts a new stats stream generation and resets the
// previous snapshot. Samples tagged with an older generation are stale from
// now on.
func (r *Record) NextGeneration() uint64 {
	r.gen++
	r.Prev = nil
	return r.gen
}

// Current reports whether gen is the record's latest stream generation.
func (r *Record) Current(gen uint64) bool { return gen == r.gen }

// SetSubscription attaches sub as the handle of stream generation gen. A
// previously attached handle is closed and the previous snapshot reset,
// since counters do not carry across streams. If the record is already
// closed, or gen has been superseded by a newer stream, sub is closed
// immediately and false is returned.
func (r *Record) SetSubscription(sub runtime.Subscription, gen uint64) bool {
	w := &onceSub{sub: sub}
	if r.closed || gen != r.gen {
		_ = w.Close()
		return false
	}
	if r.sub != nil {
		_ = r.sub.Close()
	}
	r.sub = w
	r.Prev = nil
	return true
}

// CloseStats closes the subscription (if any), marks the record closed and
// zeroes its usage. It reports whether this call did the closing.
func (r *Record) CloseStats() bool {
	r.Usage = stats.Usage{}
	r.Prev = nil
	if r.closed {
		return false
	}
	r.closed = true
	if r.sub != nil {
		_ = r.sub.Close()
	}
	return true
}

type onceSub struct {
	once sync.Once
	sub  runtime.Subscription
	err  error
}

func (o *onceSub) Close() error {
	o.once.Do(func() {
		if o.sub != nil {
			o.err = o.sub.Close()
		}
	})
	return o.err
}

// Tables guards bindings and records with a single lock so readers never see
// one table updated without the other.
type Tables struct {
	mu          sync.RWMutex
	services    []service.Service
	bindings    map[service.Service]*Binding
	byContainer map[string]service.Service
	records     map[string]*Record
}

// New creates one empty binding for each service.
func New(services []service.Service) *Tables {
	t := &Tables{
		services:    append([]service.Service(nil), services...),
		bindings:    make(map[service.Service]*Binding, len(services)),
		byContainer: make(map[string]service.Service),
		records:     make(map[string]*Record),
	}
	for _, s := range services {
		t.bindings[s] = &Binding{}
	}
	return t
}

// Update runs fn with exclusive access to both tables.
func (t *Tables) Update(fn func(tx *Tx)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&Tx{t: t})
}

// View runs fn with shared access. fn must not mutate through tx.
func (t *Tables) View(fn func(tx *Tx)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn(&Tx{t: t})
}

// Tx is a handle valid only inside Update or View.
type Tx struct {
	t *Tables
}

// Services lists the configured services in declaration order.
func (tx *Tx) Services() []service.Service { return tx.t.services }

// Binding returns the binding for s, or nil if s is not supervised.
func (tx *Tx) Binding(s service.Service) *Binding { return tx.t.bindings[s] }

// Record returns the record for id, or nil.
func (tx *Tx) Record(id string) *Record {
	if id == "" {
		return nil
	}
	return tx.t.records[id]
}

// EnsureRecord returns the record for id, creating an empty one if needed.
func (tx *Tx) EnsureRecord(id string) (rec *Record, created bool) {
	if r := tx.t.records[id]; r != nil {
		return r, false
	}
	r := &Record{ContainerID: id}
	tx.t.records[id] = r
	return r, true
}

// ServiceFor returns the service currently bound to container id.
func (tx *Tx) ServiceFor(id string) (service.Service, bool) {
	s, ok := tx.t.byContainer[id]
	return s, ok
}

// Bind points s at container id, keeping the index consistent: the
// service's previous container and any other service holding id lose their
// entries.
func (tx *Tx) Bind(s service.Service, id string) {
	b := tx.t.bindings[s]
	if b == nil {
		return
	}
	if b.ContainerID != "" {
		delete(tx.t.byContainer, b.ContainerID)
	}
	if id == "" {
		b.ContainerID = ""
		return
	}
	if other, ok := tx.t.byContainer[id]; ok && other != s {
		if ob := tx.t.bindings[other]; ob != nil {
			ob.ContainerID = ""
		}
	}
	b.ContainerID = id
	tx.t.byContainer[id] = s
}

// Unbind clears the container of s.
func (tx *Tx) Unbind(s service.Service) { tx.Bind(s, "") }

// UnbindContainer clears whichever binding holds id and returns its service.
func (tx *Tx) UnbindContainer(id string) (service.Service, bool) {
	s, ok := tx.t.byContainer[id]
	if !ok {
		return 0, false
	}
	tx.Unbind(s)
	return s, true
}

// EachRecord calls fn for every container record in unspecified order.
func (tx *Tx) EachRecord(fn func(*Record)) {
	for _, r := range tx.t.records {
		fn(r)
	}
}
