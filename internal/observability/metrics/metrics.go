package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type transitionLabel struct {
	From string
	To   string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// scheduler ticks, resource lifecycle transitions, timeout fires,
// notification delivery, and provider calls. Writers coordinate through a
// RWMutex; the live-resource gauge is atomic.
type Recorder struct {
	mu                 sync.RWMutex
	requestCount       map[requestLabel]uint64
	requestDuration    map[requestLabel]time.Duration
	tickCount          uint64
	tickSelections     uint64
	tickFailures       uint64
	transitions        map[transitionLabel]uint64
	staleEvents        map[string]uint64
	timeoutFires       map[string]uint64
	notificationCounts map[string]uint64
	providerAttempts   map[string]uint64
	providerFailures   map[string]uint64
	liveResources      atomic.Int64
	pooledResources    atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps.
func New() *Recorder {
	return &Recorder{
		requestCount:       make(map[requestLabel]uint64),
		requestDuration:    make(map[requestLabel]time.Duration),
		transitions:        make(map[transitionLabel]uint64),
		staleEvents:        make(map[string]uint64),
		timeoutFires:       make(map[string]uint64),
		notificationCounts: make(map[string]uint64),
		providerAttempts:   make(map[string]uint64),
		providerFailures:   make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by the package-level helper
// functions.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   path,
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveTick records one scheduler tick with its selection count and how
// many selected users failed to get a reservation.
func (r *Recorder) ObserveTick(selected, failed int) {
	r.mu.Lock()
	r.tickCount++
	if selected > 0 {
		r.tickSelections += uint64(selected)
	}
	if failed > 0 {
		r.tickFailures += uint64(failed)
	}
	r.mu.Unlock()
}

// ObserveTransition records one successful lifecycle transition and keeps
// the live-resource gauge in sync.
func (r *Recorder) ObserveTransition(from, to string) {
	label := transitionLabel{From: normalizeName(from), To: normalizeName(to)}
	r.mu.Lock()
	r.transitions[label]++
	r.mu.Unlock()
	switch label.To {
	case "live":
		r.liveResources.Add(1)
	default:
		if label.From == "live" {
			r.decrementGauge(&r.liveResources)
		}
	}
}

// ObserveStaleEvent records a webhook or timeout that arrived after the
// resource had already moved on.
func (r *Recorder) ObserveStaleEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.staleEvents[normalized]++
	r.mu.Unlock()
}

// ObserveTimeoutFire records a supervisor fire outcome ("aborted" or
// "stale").
func (r *Recorder) ObserveTimeoutFire(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.timeoutFires[normalized]++
	r.mu.Unlock()
}

// ObserveNotification records a dispatch outcome keyed by notification kind
// and result ("enqueued", "delivered", "dropped").
func (r *Recorder) ObserveNotification(kind, result string) {
	key := normalizeName(kind) + ":" + normalizeName(result)
	r.mu.Lock()
	r.notificationCounts[key]++
	r.mu.Unlock()
}

// ObserveProviderAttempt records a provider operation attempt keyed by
// operation name (e.g. "create", "start", "stop", "delete", "state").
func (r *Recorder) ObserveProviderAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.providerAttempts[op]++
	r.mu.Unlock()
}

// ObserveProviderFailure records a failed provider operation. The caller
// records the attempt separately.
func (r *Recorder) ObserveProviderFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.providerFailures[op]++
	r.mu.Unlock()
}

// SetPooledResources updates the gauge of idle created resources.
func (r *Recorder) SetPooledResources(count int) {
	r.pooledResources.Store(int64(count))
}

// PooledResources exposes the gauge of idle created resources.
func (r *Recorder) PooledResources() int64 {
	return r.pooledResources.Load()
}

// LiveResources exposes the gauge of currently live resources.
func (r *Recorder) LiveResources() int64 {
	return r.liveResources.Load()
}

// TimeoutFireCounts returns a copy of the fire outcome counters.
func (r *Recorder) TimeoutFireCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.timeoutFires))
	for key, value := range r.timeoutFires {
		out[key] = value
	}
	return out
}

// Reset clears all counters. Intended for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.tickCount = 0
	r.tickSelections = 0
	r.tickFailures = 0
	r.transitions = make(map[transitionLabel]uint64)
	r.staleEvents = make(map[string]uint64)
	r.timeoutFires = make(map[string]uint64)
	r.notificationCounts = make(map[string]uint64)
	r.providerAttempts = make(map[string]uint64)
	r.providerFailures = make(map[string]uint64)
	r.mu.Unlock()
	r.liveResources.Store(0)
	r.pooledResources.Store(0)
}

// Handler exposes the recorder in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics with sorted label sets so scrapes and tests see
// stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		requestLabels = append(requestLabels, label)
	}
	sort.Slice(requestLabels, func(i, j int) bool {
		a, b := requestLabels[i], requestLabels[j]
		if a.path != b.path {
			return a.path < b.path
		}
		if a.method != b.method {
			return a.method < b.method
		}
		return a.status < b.status
	})

	fmt.Fprintln(w, "# HELP swabbr_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE swabbr_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "swabbr_http_requests_total{method=%q,path=%q,status=%q} %d\n",
			label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP swabbr_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE swabbr_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "swabbr_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n",
			label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP swabbr_scheduler_ticks_total Scheduler ticks processed")
	fmt.Fprintln(w, "# TYPE swabbr_scheduler_ticks_total counter")
	fmt.Fprintf(w, "swabbr_scheduler_ticks_total %d\n", r.tickCount)

	fmt.Fprintln(w, "# HELP swabbr_scheduler_selections_total Users selected for a record request")
	fmt.Fprintln(w, "# TYPE swabbr_scheduler_selections_total counter")
	fmt.Fprintf(w, "swabbr_scheduler_selections_total %d\n", r.tickSelections)

	fmt.Fprintln(w, "# HELP swabbr_scheduler_failures_total Selected users the tick could not serve")
	fmt.Fprintln(w, "# TYPE swabbr_scheduler_failures_total counter")
	fmt.Fprintf(w, "swabbr_scheduler_failures_total %d\n", r.tickFailures)

	fmt.Fprintln(w, "# HELP swabbr_resource_transitions_total Lifecycle transitions by from/to status")
	fmt.Fprintln(w, "# TYPE swabbr_resource_transitions_total counter")
	for _, label := range sortedTransitionLabels(r.transitions) {
		fmt.Fprintf(w, "swabbr_resource_transitions_total{from=%q,to=%q} %d\n",
			label.From, label.To, r.transitions[label])
	}

	fmt.Fprintln(w, "# HELP swabbr_stale_events_total Webhook or timeout events ignored as stale")
	fmt.Fprintln(w, "# TYPE swabbr_stale_events_total counter")
	for _, event := range sortedKeys(r.staleEvents) {
		fmt.Fprintf(w, "swabbr_stale_events_total{event=%q} %d\n", event, r.staleEvents[event])
	}

	fmt.Fprintln(w, "# HELP swabbr_timeout_fires_total Timeout supervisor fires by outcome")
	fmt.Fprintln(w, "# TYPE swabbr_timeout_fires_total counter")
	for _, outcome := range sortedKeys(r.timeoutFires) {
		fmt.Fprintf(w, "swabbr_timeout_fires_total{outcome=%q} %d\n", outcome, r.timeoutFires[outcome])
	}

	fmt.Fprintln(w, "# HELP swabbr_notifications_total Notification dispatch outcomes by kind and result")
	fmt.Fprintln(w, "# TYPE swabbr_notifications_total counter")
	for _, key := range sortedKeys(r.notificationCounts) {
		kind, result, _ := strings.Cut(key, ":")
		fmt.Fprintf(w, "swabbr_notifications_total{kind=%q,result=%q} %d\n", kind, result, r.notificationCounts[key])
	}

	fmt.Fprintln(w, "# HELP swabbr_provider_attempts_total Provider operations attempted by action")
	fmt.Fprintln(w, "# TYPE swabbr_provider_attempts_total counter")
	for _, op := range sortedKeys(r.providerAttempts) {
		fmt.Fprintf(w, "swabbr_provider_attempts_total{operation=%q} %d\n", op, r.providerAttempts[op])
	}

	fmt.Fprintln(w, "# HELP swabbr_provider_failures_total Provider operation failures by action")
	fmt.Fprintln(w, "# TYPE swabbr_provider_failures_total counter")
	for _, op := range sortedKeys(r.providerFailures) {
		fmt.Fprintf(w, "swabbr_provider_failures_total{operation=%q} %d\n", op, r.providerFailures[op])
	}

	fmt.Fprintln(w, "# HELP swabbr_live_resources Current number of resources in the live status")
	fmt.Fprintln(w, "# TYPE swabbr_live_resources gauge")
	fmt.Fprintf(w, "swabbr_live_resources %d\n", r.liveResources.Load())

	fmt.Fprintln(w, "# HELP swabbr_pooled_resources Current number of idle created resources")
	fmt.Fprintln(w, "# TYPE swabbr_pooled_resources gauge")
	fmt.Fprintf(w, "swabbr_pooled_resources %d\n", r.pooledResources.Load())
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedTransitionLabels(values map[transitionLabel]uint64) []transitionLabel {
	labels := make([]transitionLabel, 0, len(values))
	for label := range values {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].From != labels[j].From {
			return labels[i].From < labels[j].From
		}
		return labels[i].To < labels[j].To
	})
	return labels
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest records the request on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveTransition records the transition on the default recorder.
func ObserveTransition(from, to string) {
	defaultRecorder.ObserveTransition(from, to)
}

// Handler exposes the default recorder.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
