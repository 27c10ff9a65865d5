// Package env composes container environments from layered KEY=VALUE lists.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Vars maps keys to values.
type Vars map[string]string

// Apply sets every KEY=VALUE entry of kvs. Entries without '=' or with an
// empty key are skipped.
func (v Vars) Apply(kvs []string) {
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			v[kv[:i]] = kv[i+1:]
		}
	}
}

// Slice returns "KEY=VALUE" entries sorted by key.
func (v Vars) Slice() []string {
	out := make([]string, 0, len(v))
	for k, val := range v {
		out = append(out, k+"="+val)
	}
	sort.Strings(out)
	return out
}

// Compose applies layers in order, later layers overriding earlier ones,
// then expands ${VAR} references. A reference resolves against the composed
// set first and falls back to the daemon's own environment, so a service
// can receive a secret without writing it into the config file. Unresolved
// references expand to the empty string. Expansion is a single pass.
func Compose(layers ...[]string) []string {
	m := make(Vars)
	for _, l := range layers {
		m.Apply(l)
	}
	out := make(Vars, len(m))
	for k, v := range m {
		out[k] = expand(v, m)
	}
	return out.Slice()
}

func expand(s string, m Vars) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		name := s[i+2 : i+2+j]
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(os.Getenv(name))
		}
		s = s[i+3+j:]
	}
}

// LoadFile parses a .env file of KEY=VALUE lines. Blank lines and lines
// starting with # are ignored, as is a leading "export ". Matching
// surrounding quotes are stripped from values.
func LoadFile(path string) (Vars, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("env file: %w", err)
	}
	m := make(Vars)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		m[k] = v
	}
	return m, nil
}
