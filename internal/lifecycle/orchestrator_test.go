package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/tunnelboard/internal/metrics"
	"grimm.is/tunnelboard/internal/store"
	"grimm.is/tunnelboard/internal/tunnel"
)

func newTestOrchestrator(t *testing.T, doc *store.Document, d tunnel.Driver) (*Orchestrator, *memPersister) {
	t.Helper()
	p := &memPersister{}
	o := New(doc, d, p, Options{})
	t.Cleanup(func() { o.Shutdown(context.Background()) })
	return o, p
}

func server(port int, enabled bool) Spec {
	return Spec{Host: "127.0.0.1", Port: port, Key: serverKey, Enabled: enabled}
}

func TestCreate_OnEmptyList(t *testing.T) {
	d := newRecordingDriver(t)
	o, p := newTestOrchestrator(t, nil, d)
	ctx := context.Background()

	idx, err := o.Create(ctx, Server, server(8000, true))
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	snap := o.Snapshot()
	require.Len(t, snap.Servers, 1)
	assert.Equal(t, StateRunning, snap.Servers[0].State)
	assert.Equal(t, "fake:server:8000", snap.Servers[0].Address)
	assert.Empty(t, snap.Clients)

	doc, _ := p.saved()
	require.Len(t, doc.Servers, 1)
	assert.Equal(t, 8000, doc.Servers[0].Port)
	assert.Nil(t, doc.PasswordHash)

	idx, err = o.Create(ctx, Client, Spec{Key: clientKey, Port: 9000, Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Equal(t, 1, d.liveCount(Client))
}

func TestCreate_Disabled(t *testing.T) {
	d := newRecordingDriver(t)
	o, _ := newTestOrchestrator(t, nil, d)

	_, err := o.Create(context.Background(), Server, Spec{Port: 8000})
	require.NoError(t, err)

	assert.Equal(t, StateDisabled, o.Snapshot().Servers[0].State)
	assert.Zero(t, d.opens)
}

func TestCreate_OpenFailureMarksFailed(t *testing.T) {
	d := &mockDriver{}
	d.On("Open", mock.Anything, mock.Anything).Return(nil, errOpen)
	o, _ := newTestOrchestrator(t, nil, d)

	idx, err := o.Create(context.Background(), Server, server(8000, true))
	require.NoError(t, err, "open failures are not returned")
	assert.Equal(t, 0, idx)

	v := o.Snapshot().Servers[0]
	assert.Equal(t, StateFailed, v.State)
	assert.Equal(t, errOpen.Error(), v.Error)
	d.AssertExpectations(t)
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		spec  Spec
		field string
	}{
		{"port too large", Server, Spec{Port: 70000}, "port"},
		{"negative port", Client, Spec{Port: -1}, "port"},
		{"host too long", Server, Spec{Host: strings.Repeat("h", 256)}, "host"},
		{"short server key", Server, Spec{Key: strings.Repeat("a", 63)}, "key"},
		{"long server key", Server, Spec{Key: strings.Repeat("a", 1001)}, "key"},
		{"s at index 5", Server, Spec{Key: "aaaaas" + strings.Repeat("a", 58)}, "key"},
		{"client key scheme", Client, Spec{Key: "http://x"}, "key"},
		{"enabled without key", Server, Spec{Host: "h", Port: 1, Enabled: true}, "key"},
		{"enabled port zero", Client, Spec{Key: clientKey, Enabled: true}, "port"},
		{"enabled server without host", Server, Spec{Key: serverKey, Port: 1, Enabled: true}, "host"},
		{"unknown kind", Kind("bridge"), Spec{}, "kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newRecordingDriver(t)
			o, p := newTestOrchestrator(t, nil, d)

			_, err := o.Create(context.Background(), tt.kind, tt.spec)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)

			_, saves := p.saved()
			assert.Zero(t, saves)
			assert.Empty(t, o.Snapshot().Servers)
		})
	}
}

func TestValidate_Accepts(t *testing.T) {
	assert.NoError(t, Validate(Server, Spec{}))
	assert.NoError(t, Validate(Server, Spec{Host: "h", Port: 65535, Key: strings.Repeat("k", 1000), Enabled: true}))
	assert.NoError(t, Validate(Client, Spec{Key: "hs://", Port: 1, Enabled: true}))
	// Client specs ignore host.
	assert.NoError(t, Validate(Client, Spec{Host: strings.Repeat("h", 300)}))
}

func TestCreate_PersistFailureLeavesListUnchanged(t *testing.T) {
	d := newRecordingDriver(t)
	o, p := newTestOrchestrator(t, nil, d)
	p.fail = errors.New("disk full")

	idx, err := o.Create(context.Background(), Server, server(8000, true))
	var pe *store.PersistError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, -1, idx)

	assert.Empty(t, o.Snapshot().Servers)
	assert.Zero(t, d.opens)
}

func TestReplace_NeverTwoHandles(t *testing.T) {
	d := newRecordingDriver(t)
	o, _ := newTestOrchestrator(t, nil, d)
	ctx := context.Background()

	_, err := o.Create(ctx, Server, server(8000, true))
	require.NoError(t, err)

	for port := 8001; port < 8006; port++ {
		idx, err := o.Replace(ctx, Server, 0, server(port, true))
		require.NoError(t, err)
		assert.Equal(t, 0, idx)
	}

	assert.Equal(t, 6, d.opens)
	assert.Equal(t, 5, d.closes)
	assert.Equal(t, 1, d.liveCount(Server))
	assert.Equal(t, "fake:server:8005", o.Snapshot().Servers[0].Address)
}

func TestReplace_ConcurrentCallersSerialized(t *testing.T) {
	d := newRecordingDriver(t)
	o, _ := newTestOrchestrator(t, nil, d)
	ctx := context.Background()

	_, err := o.Create(ctx, Server, server(8000, true))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := o.Replace(ctx, Server, 0, server(9000+i, true))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, d.liveCount(Server))
}

func TestReplace_ToDisabled(t *testing.T) {
	d := newRecordingDriver(t)
	o, _ := newTestOrchestrator(t, nil, d)
	ctx := context.Background()

	_, err := o.Create(ctx, Server, server(8000, true))
	require.NoError(t, err)
	_, err = o.Replace(ctx, Server, 0, server(8000, false))
	require.NoError(t, err)

	v := o.Snapshot().Servers[0]
	assert.Equal(t, StateDisabled, v.State)
	assert.Empty(t, v.Address)
	assert.Zero(t, d.liveCount(Server))
}

func TestReplace_CloseFailureStillDropsHandle(t *testing.T) {
	d := newRecordingDriver(t)
	d.closeErr = errors.New("close failed")
	o, _ := newTestOrchestrator(t, nil, d)
	ctx := context.Background()

	_, err := o.Create(ctx, Server, server(8000, true))
	require.NoError(t, err)

	var states []State
	o.Subscribe(func(ev Event) {
		if ev.Type == EventState {
			states = append(states, ev.State)
		}
	})

	_, err = o.Replace(ctx, Server, 0, server(8001, true))
	require.NoError(t, err)

	assert.Equal(t, []State{StateStopping, StateStopped, StateInitializing, StateRunning}, states)
	assert.Equal(t, 1, d.liveCount(Server))
}

func TestReplaceAndDelete_OutOfRange(t *testing.T) {
	d := newRecordingDriver(t)
	o, p := newTestOrchestrator(t, nil, d)
	ctx := context.Background()

	_, err := o.Create(ctx, Server, server(8000, true))
	require.NoError(t, err)
	_, savesBefore := p.saved()

	_, err = o.Replace(ctx, Server, 1, server(8001, true))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = o.Replace(ctx, Server, -1, server(8001, true))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = o.Patch(ctx, Client, 0, Patch{})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, o.Delete(ctx, Server, 5), ErrNotFound)

	// An invalid spec at a missing index reports the index, not the spec.
	_, err = o.Replace(ctx, Server, 3, server(70000, true))
	assert.ErrorIs(t, err, ErrNotFound)
	var ve *ValidationError
	assert.False(t, errors.As(err, &ve))

	// At a valid index the spec is still validated.
	_, err = o.Replace(ctx, Server, 0, server(70000, true))
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "port", ve.Field)

	_, savesAfter := p.saved()
	assert.Equal(t, savesBefore, savesAfter)
	assert.Equal(t, 1, d.opens)
	assert.Equal(t, 0, d.closes)
}

func TestPatch_Merges(t *testing.T) {
	d := newRecordingDriver(t)
	o, p := newTestOrchestrator(t, nil, d)
	ctx := context.Background()

	_, err := o.Create(ctx, Server, server(8000, false))
	require.NoError(t, err)

	enabled := true
	port := 8080
	c, err := o.Update(ctx, Server, 0, Patch{Enabled: &enabled, Port: &port})
	require.NoError(t, err)
	assert.Equal(t, 8000, c.Old.Port)
	assert.Equal(t, 8080, c.New.Port)
	assert.Equal(t, serverKey, c.New.Key)

	v := o.Snapshot().Servers[0]
	assert.Equal(t, StateRunning, v.State)
	assert.Equal(t, "127.0.0.1", v.Host)

	doc, _ := p.saved()
	assert.True(t, doc.Servers[0].Enabled)
	assert.Equal(t, 8080, doc.Servers[0].Port)

	bad := 70000
	_, err = o.Patch(ctx, Server, 0, Patch{Port: &bad})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 8080, o.Snapshot().Servers[0].Port)
}

func TestDelete_ShiftsIndices(t *testing.T) {
	d := newRecordingDriver(t)
	reg := metrics.New(prometheus.NewRegistry())
	p := &memPersister{}
	o := New(nil, d, p, Options{Metrics: reg})
	defer o.Shutdown(context.Background())
	ctx := context.Background()

	for _, port := range []int{1, 2, 3} {
		_, err := o.Create(ctx, Server, server(port, port != 2))
		require.NoError(t, err)
	}

	var deleted []int
	o.Subscribe(func(ev Event) {
		if ev.Type == EventDeleted {
			deleted = append(deleted, ev.Index)
		}
	})

	require.NoError(t, o.Delete(ctx, Server, 0))

	snap := o.Snapshot()
	require.Len(t, snap.Servers, 2)
	assert.Equal(t, 2, snap.Servers[0].Port)
	assert.Equal(t, StateDisabled, snap.Servers[0].State)
	assert.Equal(t, 3, snap.Servers[1].Port)
	assert.Equal(t, StateRunning, snap.Servers[1].State)
	assert.Equal(t, []int{0}, deleted)

	doc, _ := p.saved()
	require.Len(t, doc.Servers, 2)
	assert.Equal(t, 2, doc.Servers[0].Port)

	// Series follow the entries to their new positions.
	assert.Equal(t, 2, testutil.CollectAndCount(reg.EntryState))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.EntryState.WithLabelValues("server", "0", "Disabled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.EntryState.WithLabelValues("server", "1", "Running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Mutations.WithLabelValues("server", "delete", "success")))

	assert.Equal(t, 1, d.liveCount(Server))
}

func TestDelete_PersistFailure(t *testing.T) {
	d := newRecordingDriver(t)
	o, p := newTestOrchestrator(t, nil, d)
	ctx := context.Background()

	_, err := o.Create(ctx, Server, server(8000, true))
	require.NoError(t, err)

	p.fail = errors.New("read-only file system")
	var pe *store.PersistError
	require.ErrorAs(t, o.Delete(ctx, Server, 0), &pe)

	snap := o.Snapshot()
	require.Len(t, snap.Servers, 1)
	assert.Equal(t, StateRunning, snap.Servers[0].State)
	assert.Zero(t, d.closes)
}

func TestStart_SweepContinuesAfterFailure(t *testing.T) {
	doc := &store.Document{
		Servers: []store.ServerConfig{
			{Host: "127.0.0.1", Port: 1, Key: serverKey, Enabled: true},
			{Host: "127.0.0.1", Port: 2, Key: serverKey, Enabled: true},
			{Host: "127.0.0.1", Port: 3, Key: serverKey},
		},
		Clients: []store.ClientConfig{
			{Key: clientKey, Port: 4, Enabled: true},
		},
	}

	d := &mockDriver{}
	d.On("Open", mock.Anything, mock.MatchedBy(func(ep tunnel.Endpoint) bool { return ep.Port == 1 })).
		Return(nil, errOpen).Once()
	d.On("Open", mock.Anything, mock.MatchedBy(func(ep tunnel.Endpoint) bool { return ep.Port == 2 })).
		Return(staticHandle("s2"), nil).Once()
	d.On("Open", mock.Anything, mock.MatchedBy(func(ep tunnel.Endpoint) bool {
		return ep.Kind == tunnel.KindClient && ep.Port == 4
	})).Return(staticHandle("c0"), nil).Once()

	o, _ := newTestOrchestrator(t, doc, d)
	for _, v := range o.Snapshot().Servers {
		assert.Equal(t, StateDisabled, v.State)
	}

	require.NoError(t, o.Start(context.Background()))

	snap := o.Snapshot()
	assert.Equal(t, StateFailed, snap.Servers[0].State)
	assert.Equal(t, errOpen.Error(), snap.Servers[0].Error)
	assert.Equal(t, StateRunning, snap.Servers[1].State)
	assert.Equal(t, StateDisabled, snap.Servers[2].State)
	assert.Equal(t, StateRunning, snap.Clients[0].State)
	assert.Equal(t, "c0", snap.Clients[0].Address)
	d.AssertExpectations(t)
}

func TestCredential(t *testing.T) {
	hash := "abc:def:n=16384,r=8,p=1"
	o, p := newTestOrchestrator(t, &store.Document{PasswordHash: &hash}, newRecordingDriver(t))
	ctx := context.Background()

	assert.Equal(t, hash, o.Credential())
	assert.True(t, o.Snapshot().AuthRequired)

	require.NoError(t, o.SetCredential(ctx, ""))
	assert.Empty(t, o.Credential())
	doc, _ := p.saved()
	assert.Nil(t, doc.PasswordHash)

	p.fail = errors.New("disk full")
	assert.Error(t, o.SetCredential(ctx, "new"))
	assert.Empty(t, o.Credential(), "memory unchanged on persist failure")

	p.fail = nil
	require.NoError(t, o.SetCredential(ctx, "new"))
	doc, _ = p.saved()
	require.NotNil(t, doc.PasswordHash)
	assert.Equal(t, "new", *doc.PasswordHash)
}

func TestCredential_PreservedAcrossEntryMutations(t *testing.T) {
	hash := "abc:def:n=16384,r=8,p=1"
	o, p := newTestOrchestrator(t, &store.Document{PasswordHash: &hash}, newRecordingDriver(t))

	_, err := o.Create(context.Background(), Server, server(8000, true))
	require.NoError(t, err)

	doc, _ := p.saved()
	require.NotNil(t, doc.PasswordHash)
	assert.Equal(t, hash, *doc.PasswordHash)
}

func TestShutdown_ClosesHandles(t *testing.T) {
	d := newRecordingDriver(t)
	o := New(nil, d, &memPersister{}, Options{})
	ctx := context.Background()

	_, err := o.Create(ctx, Server, server(8000, true))
	require.NoError(t, err)
	_, err = o.Create(ctx, Client, Spec{Key: clientKey, Port: 9000, Enabled: true})
	require.NoError(t, err)

	require.NoError(t, o.Shutdown(ctx))
	assert.Zero(t, d.liveCount(Server))
	assert.Zero(t, d.liveCount(Client))
	assert.Equal(t, StateStopped, o.Snapshot().Servers[0].State)

	_, err = o.Create(ctx, Server, server(8001, true))
	assert.ErrorIs(t, err, ErrSerializerClosed)
}
