// Package lifecycle owns the ordered server and client entries, their
// runtime tunnel handles and the persisted password record.
//
// Every mutation runs on a single Serializer. A mutation persists the new
// document first and only then touches handles, so a failed write leaves
// both memory and disk untouched. Readers take a snapshot under a read lock
// and never wait for the serializer.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"grimm.is/tunnelboard/internal/clock"
	"grimm.is/tunnelboard/internal/logging"
	"grimm.is/tunnelboard/internal/metrics"
	"grimm.is/tunnelboard/internal/store"
	"grimm.is/tunnelboard/internal/tunnel"
)

// EventType names what changed.
type EventType string

const (
	EventState      EventType = "state"
	EventCreated    EventType = "created"
	EventReplaced   EventType = "replaced"
	EventDeleted    EventType = "deleted"
	EventCredential EventType = "credential"
)

// Event is delivered to subscribers after each change. Index is the entry's
// position at the time of the event; after EventDeleted every higher index
// has shifted down by one.
type Event struct {
	Type  EventType
	Kind  Kind
	Index int
	State State
}

// Options configures New.
type Options struct {
	Logger  *logging.Logger
	Clock   clock.Clock
	Metrics *metrics.Registry
}

// Orchestrator manages the entry lists.
type Orchestrator struct {
	mu         sync.RWMutex
	servers    []*Entry
	clients    []*Entry
	credential string

	driver    tunnel.Driver
	persister Persister
	serial    *Serializer
	clock     clock.Clock
	metrics   *metrics.Registry
	logger    *logging.Logger

	subMu       sync.Mutex
	subscribers []func(Event)
}

// New builds the lists from doc. Every entry starts Disabled until Start.
func New(doc *store.Document, driver tunnel.Driver, persister Persister, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("lifecycle")

	o := &Orchestrator{
		driver:    driver,
		persister: persister,
		serial:    NewSerializer(logger),
		clock:     clock.OrReal(opts.Clock),
		metrics:   opts.Metrics,
		logger:    logger,
	}

	now := o.clock.Now()
	if doc != nil {
		for _, s := range doc.Servers {
			o.servers = append(o.servers, &Entry{Spec: serverSpec(s), State: StateDisabled, Since: now})
		}
		for _, c := range doc.Clients {
			o.clients = append(o.clients, &Entry{Spec: clientSpec(c), State: StateDisabled, Since: now})
		}
		if doc.PasswordHash != nil {
			o.credential = *doc.PasswordHash
		}
	}

	if opts.Metrics != nil {
		o.Subscribe(MetricsObserver(opts.Metrics))
	}
	return o
}

// Subscribe registers fn for every later Event. fn runs on the mutation
// goroutine and must not block or call mutating methods.
func (o *Orchestrator) Subscribe(fn func(Event)) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	o.subscribers = append(o.subscribers, fn)
}

func (o *Orchestrator) emit(ev Event) {
	o.subMu.Lock()
	subs := append([]func(Event){}, o.subscribers...)
	o.subMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Start opens every enabled entry, servers first. A failing entry is marked
// Failed and the sweep moves on.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.serial.Run(ctx, func(ctx context.Context) error {
		for _, kind := range []Kind{Server, Client} {
			o.mu.RLock()
			entries := append([]*Entry{}, *o.list(kind)...)
			o.mu.RUnlock()

			for i, e := range entries {
				if e.Spec.Enabled {
					o.open(ctx, kind, i, e)
				} else {
					o.setState(kind, i, e, StateDisabled, "")
				}
			}
		}
		o.logger.Info("startup sweep complete")
		return nil
	})
}

// Create validates spec, persists it and appends the entry, opening it when
// enabled. It returns the new index.
func (o *Orchestrator) Create(ctx context.Context, kind Kind, spec Spec) (int, error) {
	if err := Validate(kind, spec); err != nil {
		return -1, err
	}

	index := -1
	err := o.serial.Run(ctx, func(ctx context.Context) error {
		doc := o.document()
		switch kind {
		case Server:
			doc.Servers = append(doc.Servers, spec.server())
		case Client:
			doc.Clients = append(doc.Clients, spec.client())
		}
		if err := o.persister.Save(doc); err != nil {
			o.logger.Error("failed to persist create", "kind", kind, "error", err)
			return err
		}

		e := &Entry{Spec: spec, State: StateDisabled, Since: o.clock.Now()}
		o.mu.Lock()
		list := o.list(kind)
		*list = append(*list, e)
		index = len(*list) - 1
		o.mu.Unlock()

		o.emit(Event{Type: EventCreated, Kind: kind, Index: index, State: e.State})
		if spec.Enabled {
			o.open(ctx, kind, index, e)
		} else {
			o.setState(kind, index, e, StateDisabled, "")
		}
		return nil
	})
	o.record(kind, "create", err)
	if err != nil {
		return -1, err
	}
	return index, nil
}

// Replace installs spec at index, restarting the entry. The index is checked
// before the spec.
func (o *Orchestrator) Replace(ctx context.Context, kind Kind, index int, spec Spec) (int, error) {
	c, err := o.update(ctx, kind, index, "replace", func(Spec) (Spec, error) {
		if err := Validate(kind, spec); err != nil {
			return Spec{}, err
		}
		return spec, nil
	})
	if err != nil {
		return -1, err
	}
	return c.Index, nil
}

// Patch merges p onto the entry at index and restarts it.
func (o *Orchestrator) Patch(ctx context.Context, kind Kind, index int, p Patch) (int, error) {
	c, err := o.Update(ctx, kind, index, p)
	if err != nil {
		return -1, err
	}
	return c.Index, nil
}

// Update is Patch that also reports the old and new spec.
func (o *Orchestrator) Update(ctx context.Context, kind Kind, index int, p Patch) (Change, error) {
	return o.update(ctx, kind, index, "patch", func(old Spec) (Spec, error) {
		next := p.Apply(old)
		if err := Validate(kind, next); err != nil {
			return Spec{}, err
		}
		return next, nil
	})
}

func (o *Orchestrator) update(ctx context.Context, kind Kind, index int, op string, next func(Spec) (Spec, error)) (Change, error) {
	var change Change
	err := o.serial.Run(ctx, func(ctx context.Context) error {
		e, err := o.entry(kind, index)
		if err != nil {
			return err
		}
		spec, err := next(e.Spec)
		if err != nil {
			return err
		}

		doc := o.document()
		switch kind {
		case Server:
			doc.Servers[index] = spec.server()
		case Client:
			doc.Clients[index] = spec.client()
		}
		if err := o.persister.Save(doc); err != nil {
			o.logger.Error("failed to persist update", "kind", kind, "index", index, "error", err)
			return err
		}

		o.close(kind, index, e)

		change = Change{Index: index, Old: e.Spec, New: spec}
		o.mu.Lock()
		e.Spec = spec
		o.mu.Unlock()
		o.emit(Event{Type: EventReplaced, Kind: kind, Index: index, State: e.State})

		if spec.Enabled {
			o.open(ctx, kind, index, e)
		} else {
			o.setState(kind, index, e, StateDisabled, "")
		}
		return nil
	})
	o.record(kind, op, err)
	return change, err
}

// Delete persists the list without index, closes the entry's handle and
// removes it. Later entries shift down by one.
func (o *Orchestrator) Delete(ctx context.Context, kind Kind, index int) error {
	err := o.serial.Run(ctx, func(ctx context.Context) error {
		e, err := o.entry(kind, index)
		if err != nil {
			return err
		}

		doc := o.document()
		switch kind {
		case Server:
			doc.Servers = append(doc.Servers[:index], doc.Servers[index+1:]...)
		case Client:
			doc.Clients = append(doc.Clients[:index], doc.Clients[index+1:]...)
		}
		if err := o.persister.Save(doc); err != nil {
			o.logger.Error("failed to persist delete", "kind", kind, "index", index, "error", err)
			return err
		}

		o.close(kind, index, e)

		o.mu.Lock()
		list := o.list(kind)
		*list = append((*list)[:index], (*list)[index+1:]...)
		o.mu.Unlock()

		o.emit(Event{Type: EventDeleted, Kind: kind, Index: index})
		return nil
	})
	o.record(kind, "delete", err)
	return err
}

// Snapshot returns copies of both lists.
func (o *Orchestrator) Snapshot() Settings {
	o.mu.RLock()
	defer o.mu.RUnlock()

	s := Settings{
		Servers:      make([]EntryView, 0, len(o.servers)),
		Clients:      make([]EntryView, 0, len(o.clients)),
		AuthRequired: o.credential != "",
	}
	for _, e := range o.servers {
		s.Servers = append(s.Servers, e.view())
	}
	for _, e := range o.clients {
		s.Clients = append(s.Clients, e.view())
	}
	return s
}

// Credential returns the stored password record, or "" in open mode.
func (o *Orchestrator) Credential() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.credential
}

// SetCredential persists record as the password record. An empty record
// removes the password.
func (o *Orchestrator) SetCredential(ctx context.Context, record string) error {
	return o.serial.Run(ctx, func(ctx context.Context) error {
		doc := o.document()
		doc.PasswordHash = nil
		if record != "" {
			doc.PasswordHash = &record
		}
		if err := o.persister.Save(doc); err != nil {
			o.logger.Error("failed to persist credential", "error", err)
			return err
		}

		o.mu.Lock()
		o.credential = record
		o.mu.Unlock()
		o.emit(Event{Type: EventCredential})
		return nil
	})
}

// Shutdown closes every handle and stops the serializer.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	err := o.serial.Run(ctx, func(ctx context.Context) error {
		for _, kind := range []Kind{Server, Client} {
			o.mu.RLock()
			entries := append([]*Entry{}, *o.list(kind)...)
			o.mu.RUnlock()
			for i, e := range entries {
				o.close(kind, i, e)
			}
		}
		return nil
	})
	o.serial.Close()
	return err
}

func (o *Orchestrator) list(kind Kind) *[]*Entry {
	if kind == Client {
		return &o.clients
	}
	return &o.servers
}

func (o *Orchestrator) entry(kind Kind, index int) (*Entry, error) {
	if kind != Server && kind != Client {
		return nil, &ValidationError{Field: "kind", Reason: "unknown kind " + string(kind)}
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	list := *o.list(kind)
	if index < 0 || index >= len(list) {
		return nil, ErrNotFound
	}
	return list[index], nil
}

// document builds the persisted form of the current lists.
func (o *Orchestrator) document() *store.Document {
	o.mu.RLock()
	defer o.mu.RUnlock()

	doc := &store.Document{
		Servers: make([]store.ServerConfig, 0, len(o.servers)+1),
		Clients: make([]store.ClientConfig, 0, len(o.clients)+1),
	}
	for _, e := range o.servers {
		doc.Servers = append(doc.Servers, e.Spec.server())
	}
	for _, e := range o.clients {
		doc.Clients = append(doc.Clients, e.Spec.client())
	}
	if o.credential != "" {
		cred := o.credential
		doc.PasswordHash = &cred
	}
	return doc
}

func (o *Orchestrator) setState(kind Kind, index int, e *Entry, state State, errText string) {
	o.mu.Lock()
	e.State = state
	e.Error = errText
	e.Since = o.clock.Now()
	o.mu.Unlock()
	o.emit(Event{Type: EventState, Kind: kind, Index: index, State: state})
}

// open starts e's handle. Failures leave e Failed and are not returned.
func (o *Orchestrator) open(ctx context.Context, kind Kind, index int, e *Entry) {
	o.setState(kind, index, e, StateInitializing, "")

	start := time.Now()
	h, err := o.driver.Open(ctx, e.Spec.endpoint(kind))
	if o.metrics != nil {
		o.metrics.HandleOpen.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		o.logger.Warn("failed to open entry", "kind", kind, "index", index, "error", err)
		o.setState(kind, index, e, StateFailed, err.Error())
		return
	}

	o.mu.Lock()
	e.handle = h
	e.Address = h.Addr()
	o.mu.Unlock()
	o.logger.Info("entry running", "kind", kind, "index", index, "address", e.Address)
	o.setState(kind, index, e, StateRunning, "")
}

// close drops e's handle. A close error is logged and the handle is
// discarded anyway.
func (o *Orchestrator) close(kind Kind, index int, e *Entry) {
	o.mu.RLock()
	h := e.handle
	o.mu.RUnlock()
	if h == nil {
		return
	}

	o.setState(kind, index, e, StateStopping, "")
	if err := h.Close(); err != nil {
		o.logger.Warn("failed to close entry", "kind", kind, "index", index, "error", err)
	}

	o.mu.Lock()
	e.handle = nil
	e.Address = ""
	o.mu.Unlock()
	o.setState(kind, index, e, StateStopped, "")
}

func (o *Orchestrator) record(kind Kind, op string, err error) {
	if o.metrics != nil {
		o.metrics.RecordMutation(string(kind), op, err)
	}
}

// MetricsObserver keeps the per-entry state series in step with events.
func MetricsObserver(m *metrics.Registry) func(Event) {
	return func(ev Event) {
		switch ev.Type {
		case EventState:
			m.SetEntryState(string(ev.Kind), ev.Index, string(ev.State))
		case EventDeleted:
			m.EntryRemoved(string(ev.Kind), ev.Index)
		}
	}
}
