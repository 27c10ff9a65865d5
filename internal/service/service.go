package service

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknown is returned by Parse for names outside the supervised set.
var ErrUnknown = errors.New("unknown service")

// Service is one of the fixed logical roles supervised by runstat.
// The set is closed; values are created only from the constants below.
type Service int

const (
	Tor Service = iota
	BaseNode
	Wallet
	Sha3Miner
	MMProxy
	XMrig
	Monerod
	LogShipper
)

var names = [...]string{
	Tor:        "tor",
	BaseNode:   "base_node",
	Wallet:     "wallet",
	Sha3Miner:  "sha3_miner",
	MMProxy:    "mm_proxy",
	XMrig:      "xmrig",
	Monerod:    "monerod",
	LogShipper: "log_shipper",
}

// All returns every service in declaration order.
func All() []Service {
	out := make([]Service, 0, len(names))
	for i := range names {
		out = append(out, Service(i))
	}
	return out
}

// Valid reports whether s is a member of the closed set.
func (s Service) Valid() bool { return s >= 0 && int(s) < len(names) }

func (s Service) String() string {
	if !s.Valid() {
		return fmt.Sprintf("service(%d)", int(s))
	}
	return names[s]
}

// Parse maps a canonical service name (case-insensitive, '-' and '_' are
// interchangeable) to its Service.
func Parse(name string) (Service, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, "-", "_")
	for i, v := range names {
		if v == n {
			return Service(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknown, name)
}

// MarshalText encodes the canonical name so services work as JSON map keys.
func (s Service) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknown, int(s))
	}
	return []byte(names[s]), nil
}

func (s *Service) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
