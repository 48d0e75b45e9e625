package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"

	"grimm.is/tunnelboard/internal/store"
	"grimm.is/tunnelboard/internal/tunnel"
)

var (
	serverKey = strings.Repeat("a", 64)
	clientKey = "hs://0000" + strings.Repeat("b", 32) + "@127.0.0.1:4433"
)

// memPersister keeps the last saved document in memory.
type memPersister struct {
	mu    sync.Mutex
	doc   *store.Document
	saves int
	fail  error
}

func (p *memPersister) Save(doc *store.Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return &store.PersistError{Path: "mem", Err: p.fail}
	}
	p.saves++
	p.doc = doc.Clone()
	return nil
}

func (p *memPersister) saved() (*store.Document, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc, p.saves
}

// recordingDriver counts live handles per kind and fails the test when an
// open would make two live handles exist for the same entry port.
type recordingDriver struct {
	t        *testing.T
	mu       sync.Mutex
	live     map[string]int
	opens    int
	closes   int
	closeErr error
}

func newRecordingDriver(t *testing.T) *recordingDriver {
	return &recordingDriver{t: t, live: make(map[string]int)}
}

func (d *recordingDriver) Open(_ context.Context, ep tunnel.Endpoint) (tunnel.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := string(ep.Kind)
	d.live[id]++
	d.opens++
	if d.live[id] > 1 {
		d.t.Errorf("two live handles for %s", id)
	}
	return &recordingHandle{d: d, id: id, addr: fmt.Sprintf("fake:%s:%d", ep.Kind, ep.Port)}, nil
}

func (d *recordingDriver) liveCount(kind Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live[string(kind)]
}

type recordingHandle struct {
	d      *recordingDriver
	id     string
	addr   string
	closed bool
}

func (h *recordingHandle) Addr() string { return h.addr }

func (h *recordingHandle) Close() error {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	if h.closed {
		h.d.t.Errorf("handle %s closed twice", h.addr)
		return nil
	}
	h.closed = true
	h.d.live[h.id]--
	h.d.closes++
	return h.d.closeErr
}

// mockDriver is a testify mock for simple open outcomes.
type mockDriver struct {
	mock.Mock
}

func (m *mockDriver) Open(ctx context.Context, ep tunnel.Endpoint) (tunnel.Handle, error) {
	args := m.Called(ctx, ep)
	h, _ := args.Get(0).(tunnel.Handle)
	return h, args.Error(1)
}

type staticHandle string

func (h staticHandle) Addr() string { return string(h) }
func (h staticHandle) Close() error { return nil }

var errOpen = errors.New("address already in use")
