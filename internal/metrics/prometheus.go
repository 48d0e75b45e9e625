// Package metrics exposes Prometheus series for entries, mutations, sessions
// and the API.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all tunnelboard metrics.
type Registry struct {
	// Entries
	EntryState *prometheus.GaugeVec
	HandleOpen *prometheus.HistogramVec
	Mutations  *prometheus.CounterVec

	// Auth
	LoginAttempts  *prometheus.CounterVec
	SessionsActive prometheus.GaugeFunc

	// API
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec

	mu       sync.Mutex
	states   map[string][]string // kind -> state per index
	sessions func() int
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = New(prometheus.DefaultRegisterer)
	})
	return registry
}

// New registers a fresh set of metrics with reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{states: make(map[string][]string)}
	f := promauto.With(reg)

	r.EntryState = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tunnelboard_entry_state",
		Help: "Current lifecycle state of each entry (1 for the active state)",
	}, []string{"kind", "index", "state"})

	r.HandleOpen = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tunnelboard_handle_open_seconds",
		Help:    "Time taken to open an entry's runtime handle",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	r.Mutations = f.NewCounterVec(prometheus.CounterOpts{
		Name: "tunnelboard_mutations_total",
		Help: "Entry mutations by kind, operation and result",
	}, []string{"kind", "op", "result"})

	r.LoginAttempts = f.NewCounterVec(prometheus.CounterOpts{
		Name: "tunnelboard_login_attempts_total",
		Help: "Login attempts by result",
	}, []string{"result"})

	r.SessionsActive = f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "tunnelboard_sessions_active",
		Help: "Sessions currently held in the registry",
	}, r.sessionCount)

	r.APIRequests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "tunnelboard_api_requests_total",
		Help: "Total API requests",
	}, []string{"method", "path", "status"})

	r.APILatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tunnelboard_api_request_duration_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	return r
}

// SetSessionSource sets the function backing tunnelboard_sessions_active.
func (r *Registry) SetSessionSource(fn func() int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = fn
}

func (r *Registry) sessionCount() float64 {
	r.mu.Lock()
	fn := r.sessions
	r.mu.Unlock()
	if fn == nil {
		return 0
	}
	return float64(fn())
}

// SetEntryState records the state of the entry at index.
func (r *Registry) SetEntryState(kind string, index int, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := r.states[kind]
	for len(states) <= index {
		states = append(states, "")
	}
	if old := states[index]; old != "" && old != state {
		r.EntryState.DeleteLabelValues(kind, strconv.Itoa(index), old)
	}
	states[index] = state
	r.states[kind] = states
	r.EntryState.WithLabelValues(kind, strconv.Itoa(index), state).Set(1)
}

// EntryRemoved drops the series for index and shifts every higher index
// down by one, mirroring the entry list.
func (r *Registry) EntryRemoved(kind string, index int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := r.states[kind]
	if index < 0 || index >= len(states) {
		return
	}
	r.EntryState.DeletePartialMatch(prometheus.Labels{"kind": kind})
	states = append(states[:index], states[index+1:]...)
	r.states[kind] = states
	for i, s := range states {
		if s != "" {
			r.EntryState.WithLabelValues(kind, strconv.Itoa(i), s).Set(1)
		}
	}
}

// RecordMutation counts an entry mutation.
func (r *Registry) RecordMutation(kind, op string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.Mutations.WithLabelValues(kind, op, result).Inc()
}

// RecordLogin counts a login attempt.
func (r *Registry) RecordLogin(result string) {
	r.LoginAttempts.WithLabelValues(result).Inc()
}

// RecordAPIRequest records an API request.
func (r *Registry) RecordAPIRequest(method, path string, status int, duration float64) {
	r.APIRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.APILatency.WithLabelValues(method, path).Observe(duration)
}
