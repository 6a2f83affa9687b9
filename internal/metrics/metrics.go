package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var latencyBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type Registry struct {
	reqTotal       atomic.Uint64
	reqErrors      atomic.Uint64
	rateLimited    atomic.Uint64
	tokensIssued   atomic.Uint64
	tokenFailures  atomic.Uint64
	mu             sync.RWMutex
	pathCount      map[string]uint64
	transitions    map[string]uint64
	sessionsActive map[string]int64
	composeOps     map[string]uint64
	instructions   map[string]uint64
	latencyBuckets []uint64
	latencyInf     uint64
	latencySum     float64
}

func New() *Registry {
	return &Registry{
		pathCount:      map[string]uint64{},
		transitions:    map[string]uint64{},
		sessionsActive: map[string]int64{},
		composeOps:     map[string]uint64{},
		instructions:   map[string]uint64{},
		latencyBuckets: make([]uint64, len(latencyBounds)),
	}
}

func (r *Registry) IncRequest(path string) {
	r.reqTotal.Add(1)
	r.mu.Lock()
	r.pathCount[path]++
	r.mu.Unlock()
}
func (r *Registry) IncError()        { r.reqErrors.Add(1) }
func (r *Registry) IncRateLimited()  { r.rateLimited.Add(1) }
func (r *Registry) IncTokenIssued()  { r.tokensIssued.Add(1) }
func (r *Registry) IncTokenFailure() { r.tokenFailures.Add(1) }

// IncTransition counts a session entering state.
func (r *Registry) IncTransition(state string) {
	r.mu.Lock()
	r.transitions[state]++
	r.mu.Unlock()
}

// SetSessions replaces the per-state session gauge.
func (r *Registry) SetSessions(byState map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.sessionsActive {
		r.sessionsActive[k] = 0
	}
	for k, v := range byState {
		r.sessionsActive[k] = int64(v)
	}
}

// IncCompose counts a compose operation by name and outcome.
func (r *Registry) IncCompose(op string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	r.mu.Lock()
	r.composeOps[op+"|"+result]++
	r.mu.Unlock()
}

// InstructionReceived counts relay protocol instructions by opcode.
func (r *Registry) InstructionReceived(opcode string) {
	if opcode == "" {
		opcode = "ready"
	}
	r.mu.Lock()
	r.instructions[opcode]++
	r.mu.Unlock()
}

func (r *Registry) ObserveRequestDuration(d time.Duration) {
	secs := d.Seconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencySum += secs
	for i, b := range latencyBounds {
		if secs <= b {
			r.latencyBuckets[i]++
			return
		}
	}
	r.latencyInf++
}

func (r *Registry) RenderPrometheus() string {
	var b strings.Builder
	counter(&b, "lab_shell_requests_total", "Total API requests", r.reqTotal.Load())
	counter(&b, "lab_shell_request_errors_total", "Total API request errors", r.reqErrors.Load())
	counter(&b, "lab_shell_rate_limited_total", "Total rate-limited requests", r.rateLimited.Load())
	counter(&b, "lab_shell_tokens_issued_total", "Connection tokens issued", r.tokensIssued.Load())
	counter(&b, "lab_shell_token_failures_total", "Connection token generation failures", r.tokenFailures.Load())

	r.mu.RLock()
	defer r.mu.RUnlock()

	fmt.Fprintln(&b, "# HELP lab_shell_requests_by_path_total Requests by path")
	fmt.Fprintln(&b, "# TYPE lab_shell_requests_by_path_total counter")
	for _, k := range sortedKeys(r.pathCount) {
		fmt.Fprintf(&b, "lab_shell_requests_by_path_total{path=%q} %d\n", k, r.pathCount[k])
	}

	fmt.Fprintln(&b, "# HELP lab_shell_session_transitions_total Session state entries")
	fmt.Fprintln(&b, "# TYPE lab_shell_session_transitions_total counter")
	for _, k := range sortedKeys(r.transitions) {
		fmt.Fprintf(&b, "lab_shell_session_transitions_total{state=%q} %d\n", k, r.transitions[k])
	}

	fmt.Fprintln(&b, "# HELP lab_shell_sessions Sessions by current state")
	fmt.Fprintln(&b, "# TYPE lab_shell_sessions gauge")
	for _, k := range sortedKeys(r.sessionsActive) {
		fmt.Fprintf(&b, "lab_shell_sessions{state=%q} %d\n", k, r.sessionsActive[k])
	}

	fmt.Fprintln(&b, "# HELP lab_shell_compose_operations_total Compose operations by result")
	fmt.Fprintln(&b, "# TYPE lab_shell_compose_operations_total counter")
	for _, k := range sortedKeys(r.composeOps) {
		op, result, _ := strings.Cut(k, "|")
		fmt.Fprintf(&b, "lab_shell_compose_operations_total{op=%q,result=%q} %d\n", op, result, r.composeOps[k])
	}

	fmt.Fprintln(&b, "# HELP lab_shell_relay_instructions_total Relay instructions received by opcode")
	fmt.Fprintln(&b, "# TYPE lab_shell_relay_instructions_total counter")
	for _, k := range sortedKeys(r.instructions) {
		fmt.Fprintf(&b, "lab_shell_relay_instructions_total{opcode=%q} %d\n", k, r.instructions[k])
	}

	fmt.Fprintln(&b, "# HELP lab_shell_request_duration_seconds Request duration histogram")
	fmt.Fprintln(&b, "# TYPE lab_shell_request_duration_seconds histogram")
	cumulative := uint64(0)
	for i, bound := range latencyBounds {
		cumulative += r.latencyBuckets[i]
		fmt.Fprintf(&b, "lab_shell_request_duration_seconds_bucket{le=%q} %d\n", trimFloat(bound), cumulative)
	}
	fmt.Fprintf(&b, "lab_shell_request_duration_seconds_bucket{le=\"+Inf\"} %d\n", cumulative+r.latencyInf)
	fmt.Fprintf(&b, "lab_shell_request_duration_seconds_sum %s\n", trimFloat(r.latencySum))
	fmt.Fprintf(&b, "lab_shell_request_duration_seconds_count %d\n", cumulative+r.latencyInf)
	return b.String()
}

func counter(b *strings.Builder, name, help string, v uint64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	fmt.Fprintf(b, "%s %d\n", name, v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func trimFloat(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", v), "0"), ".")
}
