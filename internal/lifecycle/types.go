package lifecycle

import (
	"time"

	"grimm.is/tunnelboard/internal/store"
	"grimm.is/tunnelboard/internal/tunnel"
)

// Kind selects the server or client list.
type Kind = tunnel.Kind

const (
	Server = tunnel.KindServer
	Client = tunnel.KindClient
)

// State is an entry's runtime lifecycle state.
type State string

const (
	StateDisabled     State = "Disabled"
	StateInitializing State = "Initializing"
	StateRunning      State = "Running"
	StateFailed       State = "Failed"
	StateStopping     State = "Stopping"
	StateStopped      State = "Stopped"
)

// Spec is the configuration of one entry. Host and Secure apply to servers
// only.
type Spec struct {
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port"`
	Key     string `json:"key"`
	Secure  bool   `json:"secure,omitempty"`
	Enabled bool   `json:"enabled"`
}

// Patch is a partial Spec. Nil fields keep their current value.
type Patch struct {
	Host    *string `json:"host,omitempty"`
	Port    *int    `json:"port,omitempty"`
	Key     *string `json:"key,omitempty"`
	Secure  *bool   `json:"secure,omitempty"`
	Enabled *bool   `json:"enabled,omitempty"`
}

// Apply returns s with the set fields of p.
func (p Patch) Apply(s Spec) Spec {
	if p.Host != nil {
		s.Host = *p.Host
	}
	if p.Port != nil {
		s.Port = *p.Port
	}
	if p.Key != nil {
		s.Key = *p.Key
	}
	if p.Secure != nil {
		s.Secure = *p.Secure
	}
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	return s
}

// Entry is one configured tunnel and its runtime state.
type Entry struct {
	Spec    Spec
	State   State
	Error   string
	Address string
	Since   time.Time

	handle tunnel.Handle
}

// EntryView is a copy of an Entry handed to readers.
type EntryView struct {
	Spec
	State   State     `json:"state"`
	Error   string    `json:"error,omitempty"`
	Address string    `json:"address,omitempty"`
	Since   time.Time `json:"since"`
}

func (e *Entry) view() EntryView {
	return EntryView{Spec: e.Spec, State: e.State, Error: e.Error, Address: e.Address, Since: e.Since}
}

// Settings is a consistent snapshot of both lists.
type Settings struct {
	Servers      []EntryView `json:"servers"`
	Clients      []EntryView `json:"clients"`
	AuthRequired bool        `json:"authRequired"`
}

// Change describes a completed replace.
type Change struct {
	Index int
	Old   Spec
	New   Spec
}

// Persister stores the settings document.
type Persister interface {
	Save(doc *store.Document) error
}

func serverSpec(c store.ServerConfig) Spec {
	return Spec{Host: c.Host, Port: c.Port, Key: c.Key, Secure: c.Secure, Enabled: c.Enabled}
}

func clientSpec(c store.ClientConfig) Spec {
	return Spec{Port: c.Port, Key: c.Key, Enabled: c.Enabled}
}

func (s Spec) server() store.ServerConfig {
	return store.ServerConfig{Host: s.Host, Port: s.Port, Key: s.Key, Secure: s.Secure, Enabled: s.Enabled}
}

func (s Spec) client() store.ClientConfig {
	return store.ClientConfig{Port: s.Port, Key: s.Key, Enabled: s.Enabled}
}

func (s Spec) endpoint(kind Kind) tunnel.Endpoint {
	return tunnel.Endpoint{Kind: kind, Host: s.Host, Port: s.Port, Key: s.Key, Secure: s.Secure}
}
