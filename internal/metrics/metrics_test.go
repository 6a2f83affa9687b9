package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestRenderPrometheus(t *testing.T) {
	r := New()
	r.IncRequest("/v1/sessions")
	r.IncRequest("/v1/sessions")
	r.IncTokenIssued()
	r.IncTokenFailure()
	r.IncTransition("connected")
	r.SetSessions(map[string]int{"connected": 2, "error": 1})
	r.SetSessions(map[string]int{"connected": 1})
	r.IncCompose("up", true)
	r.IncCompose("status", false)
	r.InstructionReceived("sync")
	r.InstructionReceived("")
	r.ObserveRequestDuration(3 * time.Millisecond)
	r.ObserveRequestDuration(200 * time.Millisecond)
	r.ObserveRequestDuration(time.Minute)

	out := r.RenderPrometheus()
	for _, want := range []string{
		"lab_shell_requests_total 2\n",
		`lab_shell_requests_by_path_total{path="/v1/sessions"} 2`,
		"lab_shell_tokens_issued_total 1\n",
		"lab_shell_token_failures_total 1\n",
		`lab_shell_session_transitions_total{state="connected"} 1`,
		`lab_shell_sessions{state="connected"} 1`,
		`lab_shell_sessions{state="error"} 0`,
		`lab_shell_compose_operations_total{op="up",result="success"} 1`,
		`lab_shell_compose_operations_total{op="status",result="failure"} 1`,
		`lab_shell_relay_instructions_total{opcode="ready"} 1`,
		`lab_shell_relay_instructions_total{opcode="sync"} 1`,
		`lab_shell_request_duration_seconds_bucket{le="0.005"} 1`,
		`lab_shell_request_duration_seconds_bucket{le="0.25"} 2`,
		`lab_shell_request_duration_seconds_bucket{le="10"} 2`,
		`lab_shell_request_duration_seconds_bucket{le="+Inf"} 3`,
		"lab_shell_request_duration_seconds_count 3\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, out)
		}
	}
}
