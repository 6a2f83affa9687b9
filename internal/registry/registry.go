// Package registry holds the static set of remote targets the shell can open.
// A Registry is built once at startup and never mutated, so it is safe for
// concurrent reads without locking.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Protocol string

const (
	ProtocolRDP Protocol = "rdp"
	ProtocolVNC Protocol = "vnc"
	ProtocolSSH Protocol = "ssh"
)

// Known reports whether p is one of the built-in display protocols. Other
// values are still accepted and passed through to the relay daemon.
func (p Protocol) Known() bool {
	switch p {
	case ProtocolRDP, ProtocolVNC, ProtocolSSH:
		return true
	}
	return false
}

func (p Protocol) String() string { return string(p) }

type TargetProfile struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"name"`
	Protocol    Protocol   `json:"protocol"`
	Parameters  Parameters `json:"params"`
}

var (
	ErrDuplicateID = errors.New("duplicate_connection_id")
	ErrEmptyID     = errors.New("empty_connection_id")
)

type Registry struct {
	profiles map[string]TargetProfile
	ids      []string
}

func New(profiles []TargetProfile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]TargetProfile, len(profiles))}
	for _, p := range profiles {
		if strings.TrimSpace(p.ID) == "" {
			return nil, ErrEmptyID
		}
		if _, dup := r.profiles[p.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
		}
		p.Parameters = p.Parameters.Clone()
		r.profiles[p.ID] = p
		r.ids = append(r.ids, p.ID)
	}
	sort.Strings(r.ids)
	return r, nil
}

// Lookup never fails; an unknown id yields ok == false.
func (r *Registry) Lookup(id string) (TargetProfile, bool) {
	p, ok := r.profiles[id]
	if !ok {
		return TargetProfile{}, false
	}
	p.Parameters = p.Parameters.Clone()
	return p, true
}

func (r *Registry) ListAll() map[string]TargetProfile {
	out := make(map[string]TargetProfile, len(r.profiles))
	for id, p := range r.profiles {
		p.Parameters = p.Parameters.Clone()
		out[id] = p
	}
	return out
}

// IDs returns the configured ids in lexical order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

func (r *Registry) Len() int { return len(r.profiles) }

// UnknownProtocols lists, in id order, the connections whose protocol is not
// one of the built-in ones.
func (r *Registry) UnknownProtocols() []string {
	var out []string
	for _, id := range r.ids {
		if !r.profiles[id].Protocol.Known() {
			out = append(out, id)
		}
	}
	return out
}
