package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type errorKey struct {
	handler string
	method  string
}

type latencyKey struct {
	handler string
	method  string
}

type failureKey struct {
	code     string
	terminal string
}

// histogram accumulates cumulative bucket counts in the Prometheus sense:
// counts[i] is the number of observations less than or equal to buckets[i].
type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for i := len(h.buckets) - 1; i >= 0; i-- {
		if value > h.buckets[i] {
			break
		}
		h.counts[i]++
	}
}

// collector aggregates request counts, server errors and latency histograms
// for the HTTP surface.
type collector struct {
	mu       sync.Mutex
	requests map[requestKey]uint64
	errors   map[errorKey]uint64
	latency  map[latencyKey]*histogram
}

var httpCollector = &collector{
	requests: make(map[requestKey]uint64),
	errors:   make(map[errorKey]uint64),
	latency:  make(map[latencyKey]*histogram),
}

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// verificationCollector aggregates the engine-level verification metrics:
// result counts, trust score distribution, task failures and status gauges.
type verificationCollector struct {
	mu         sync.Mutex
	results    map[string]uint64
	trust      *histogram
	failures   map[failureKey]uint64
	taskGauges map[string]uint64
}

var verifCollector = &verificationCollector{
	results:    make(map[string]uint64),
	trust:      newHistogram([]float64{10, 25, 40, 55, 70, 85, 100}),
	failures:   make(map[failureKey]uint64),
	taskGauges: make(map[string]uint64),
}

// ObserveHTTPRequest counts one finished HTTP request and its latency.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpCollector.observe(handler, method, status, duration)
}

// ObserveVerification records the agent-level result and trust score of a
// completed verification.
func ObserveVerification(success bool, trustScore uint8) {
	verifCollector.mu.Lock()
	defer verifCollector.mu.Unlock()

	result := "failure"
	if success {
		result = "success"
	}
	verifCollector.results[result]++
	verifCollector.trust.observe(float64(trustScore))
}

// ObserveTaskFailure counts a verification task attempt that failed with the
// given error code. Terminal failures will not be retried.
func ObserveTaskFailure(code string, terminal bool) {
	verifCollector.mu.Lock()
	defer verifCollector.mu.Unlock()

	key := failureKey{code: code, terminal: strconv.FormatBool(terminal)}
	verifCollector.failures[key]++
}

// UpdateTaskGauges replaces the per-status verification task gauges.
func UpdateTaskGauges(pending, running, succeeded, failed uint64) {
	verifCollector.mu.Lock()
	defer verifCollector.mu.Unlock()

	verifCollector.taskGauges["pending"] = pending
	verifCollector.taskGauges["running"] = running
	verifCollector.taskGauges["succeeded"] = succeeded
	verifCollector.taskGauges["failed"] = failed
}

func (c *collector) observe(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	if status >= 500 {
		c.errors[errorKey{handler: handler, method: method}]++
	}

	latKey := latencyKey{handler: handler, method: method}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram(latencyBuckets)
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

// Handler serves the registry in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, httpCollector.render()+verifCollector.render())
	})
}

// keysOf returns the map's keys sorted with the given comparison.
func keysOf[K comparable, V any](m map[K]V, compare func(a, b K) int) []K {
	keys := make([]K, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, compare)
	return keys
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.Grow(1024)

	b.WriteString("# HELP agentproof_http_requests_total Total number of HTTP requests processed.\n")
	b.WriteString("# TYPE agentproof_http_requests_total counter\n")
	for _, key := range keysOf(c.requests, func(a, b requestKey) int {
		if diff := strings.Compare(a.handler, b.handler); diff != 0 {
			return diff
		}
		if diff := strings.Compare(a.method, b.method); diff != 0 {
			return diff
		}
		return strings.Compare(a.code, b.code)
	}) {
		fmt.Fprintf(&b, "agentproof_http_requests_total{handler=%q,method=%q,code=%q} %d\n",
			key.handler, key.method, key.code, c.requests[key])
	}

	b.WriteString("# HELP agentproof_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	b.WriteString("# TYPE agentproof_http_request_errors_total counter\n")
	for _, key := range keysOf(c.errors, func(a, b errorKey) int {
		if diff := strings.Compare(a.handler, b.handler); diff != 0 {
			return diff
		}
		return strings.Compare(a.method, b.method)
	}) {
		fmt.Fprintf(&b, "agentproof_http_request_errors_total{handler=%q,method=%q} %d\n",
			key.handler, key.method, c.errors[key])
	}

	b.WriteString("# HELP agentproof_http_request_duration_seconds HTTP request duration in seconds.\n")
	b.WriteString("# TYPE agentproof_http_request_duration_seconds histogram\n")
	for _, key := range keysOf(c.latency, func(a, b latencyKey) int {
		if diff := strings.Compare(a.handler, b.handler); diff != 0 {
			return diff
		}
		return strings.Compare(a.method, b.method)
	}) {
		hist := c.latency[key]
		for idx, bound := range hist.buckets {
			fmt.Fprintf(&b, "agentproof_http_request_duration_seconds_bucket{handler=%q,method=%q,le=%q} %d\n",
				key.handler, key.method, formatFloat(bound), hist.counts[idx])
		}
		fmt.Fprintf(&b, "agentproof_http_request_duration_seconds_bucket{handler=%q,method=%q,le=\"+Inf\"} %d\n",
			key.handler, key.method, hist.count)
		fmt.Fprintf(&b, "agentproof_http_request_duration_seconds_sum{handler=%q,method=%q} %s\n",
			key.handler, key.method, formatFloat(hist.sum))
		fmt.Fprintf(&b, "agentproof_http_request_duration_seconds_count{handler=%q,method=%q} %d\n",
			key.handler, key.method, hist.count)
	}

	return b.String()
}

func (c *verificationCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.Grow(1024)

	results := make([]string, 0, len(c.results))
	for result := range c.results {
		results = append(results, result)
	}
	sort.Strings(results)

	b.WriteString("# HELP agentproof_verifications_total Total number of verified executions by agent result.\n")
	b.WriteString("# TYPE agentproof_verifications_total counter\n")
	for _, result := range results {
		fmt.Fprintf(&b, "agentproof_verifications_total{result=%q} %d\n", result, c.results[result])
	}

	b.WriteString("# HELP agentproof_verification_trust_score Trust score distribution of verified executions.\n")
	b.WriteString("# TYPE agentproof_verification_trust_score histogram\n")
	for idx, bound := range c.trust.buckets {
		fmt.Fprintf(&b, "agentproof_verification_trust_score_bucket{le=%q} %d\n", formatFloat(bound), c.trust.counts[idx])
	}
	fmt.Fprintf(&b, "agentproof_verification_trust_score_bucket{le=\"+Inf\"} %d\n", c.trust.count)
	fmt.Fprintf(&b, "agentproof_verification_trust_score_sum %s\n", formatFloat(c.trust.sum))
	fmt.Fprintf(&b, "agentproof_verification_trust_score_count %d\n", c.trust.count)

	b.WriteString("# HELP agentproof_task_failures_total Total number of verification task attempts that failed by error code.\n")
	b.WriteString("# TYPE agentproof_task_failures_total counter\n")
	for _, key := range keysOf(c.failures, func(a, b failureKey) int {
		if diff := strings.Compare(a.code, b.code); diff != 0 {
			return diff
		}
		return strings.Compare(a.terminal, b.terminal)
	}) {
		fmt.Fprintf(&b, "agentproof_task_failures_total{code=%q,terminal=%q} %d\n",
			key.code, key.terminal, c.failures[key])
	}

	statuses := make([]string, 0, len(c.taskGauges))
	for status := range c.taskGauges {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)

	b.WriteString("# HELP agentproof_tasks Current number of verification tasks by status.\n")
	b.WriteString("# TYPE agentproof_tasks gauge\n")
	for _, status := range statuses {
		fmt.Fprintf(&b, "agentproof_tasks{status=%q} %d\n", status, c.taskGauges[status])
	}

	return b.String()
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics
// endpoint and shuts it down when the context is cancelled.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics listen address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
