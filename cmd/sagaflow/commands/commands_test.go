package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sagaflow/sagaflow/pkg/engine"
	"github.com/sagaflow/sagaflow/pkg/stores"
)

const checkoutCode = "HERA.SALON.POS.CHECKOUT.v1"

const checkoutSpec = `{
  "smart_code": "HERA.SALON.POS.CHECKOUT.v1",
  "intent": "checkout a cart",
  "nodes": [
    {"id": "add_line", "run": "HERA.SALON.POS.ADD_LINE.v1", "compensation": "HERA.SALON.POS.REMOVE_LINE.v1",
     "metadata": {"resource_ref": "cart_id"}},
    {"id": "charge", "run": "HERA.FIN.PAY.CHARGE.v1", "depends_on": ["add_line"]}
  ],
  "compensation_policy": {"auto_compensate": true}
}`

const cyclicSpec = `smart_code: HERA.SALON.POS.LOOP.v1
nodes:
  - id: a
    run: HERA.SALON.POS.A.v1
    depends_on: [b]
  - id: b
    run: HERA.SALON.POS.B.v1
    depends_on: [a]
`

var scripts = map[string]string{
	"HERA.SALON.POS.ADD_LINE.v1": `
def run(payload):
    return {"line_id": "l-" + payload["cart_id"]}
`,
	"HERA.SALON.POS.REMOVE_LINE.v1": `
def run(payload):
    log("removing line")
    return None
`,
	"HERA.FIN.PAY.CHARGE.v1": `
def run(payload):
    if payload.get("decline"):
        fail("card declined")
    return {"charged": payload["amount"]}
`,
}

// setupWorkspace writes specs and scripts to a temp dir and points the
// settings at it through the environment.
func setupWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	write := func(rel, content string) {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("Failed to create dir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("Failed to write %s: %v", rel, err)
		}
	}

	write("specs/platform/checkout.json", checkoutSpec)
	for code, src := range scripts {
		write(filepath.Join("procedures", code+".star"), src)
	}

	t.Setenv("SAGAFLOW_SPEC_DIR", filepath.Join(dir, "specs"))
	t.Setenv("SAGAFLOW_DB_PATH", filepath.Join(dir, "sagaflow.db"))
	t.Setenv("SAGAFLOW_PROCEDURES_RUNTIME", "starlark")
	t.Setenv("SAGAFLOW_PROCEDURES_STARLARK_DIR", filepath.Join(dir, "procedures"))
	t.Setenv("SAGAFLOW_TELEMETRY_LOG_LEVEL", "error")
	t.Setenv("SAGAFLOW_TELEMETRY_METRICS_ENABLED", "false")
	t.Setenv("SAGAFLOW_TELEMETRY_EVENTS_ASYNC", "false")
	return dir
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func decodeSummary(t *testing.T, out string) *engine.ExecutionSummary {
	t.Helper()
	var s engine.ExecutionSummary
	if err := json.Unmarshal([]byte(out), &s); err != nil {
		t.Fatalf("Failed to decode summary %q: %v", out, err)
	}
	return &s
}

func TestCLI_List(t *testing.T) {
	setupWorkspace(t)

	out, err := runCLI(t, "", "list", "--json")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}

	var refs []engine.SpecRef
	if err := json.Unmarshal([]byte(out), &refs); err != nil {
		t.Fatalf("Failed to decode refs: %v", err)
	}
	if len(refs) != 1 || refs[0].SmartCode != checkoutCode || refs[0].Nodes != 2 {
		t.Errorf("unexpected refs: %+v", refs)
	}

	out, err = runCLI(t, "", "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, checkoutCode) || !strings.Contains(out, "(platform)") {
		t.Errorf("table missing spec:\n%s", out)
	}
}

func TestCLI_ExecuteAndReplay(t *testing.T) {
	setupWorkspace(t)
	payload := `{"cart_id": "c1", "amount": 120}`

	out, err := runCLI(t, "", "execute", checkoutCode, payload, "--run-epoch", "2024-06-01", "--json")
	if err != nil {
		t.Fatalf("execute failed: %v\n%s", err, out)
	}
	first := decodeSummary(t, out)
	if first.Status != engine.RunStatusSucceeded {
		t.Fatalf("status = %s, want succeeded (%s)", first.Status, first.Error)
	}
	if strings.Join(first.CompletedNodes, ",") != "add_line,charge" {
		t.Errorf("completed = %v", first.CompletedNodes)
	}

	out, err = runCLI(t, "", "execute", checkoutCode, payload, "--run-epoch", "2024-06-01", "--json")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	replay := decodeSummary(t, out)
	if len(replay.CompletedNodes) != 0 || len(replay.IdempotentSkips) != 2 {
		t.Errorf("replay completed=%v skips=%v, want all nodes skipped", replay.CompletedNodes, replay.IdempotentSkips)
	}

	out, err = runCLI(t, "", "history", checkoutCode, "--json")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	var runs []*stores.RunRecord
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("Failed to decode runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("history has %d runs, want 2", len(runs))
	}
	for _, r := range runs {
		if r.Status != engine.RunStatusSucceeded {
			t.Errorf("run %s status = %s", r.ID, r.Status)
		}
	}
}

func TestCLI_ExecuteRoutesByPrefix(t *testing.T) {
	dir := setupWorkspace(t)
	// The WASM directory holds nothing, so only the route can serve HERA.* codes.
	t.Setenv("SAGAFLOW_PROCEDURES_RUNTIME", "wasm")
	t.Setenv("SAGAFLOW_PROCEDURES_WASM_DIR", filepath.Join(dir, "wasm"))
	t.Setenv("SAGAFLOW_PROCEDURES_ROUTES", "HERA.:starlark")

	out, err := runCLI(t, "", "execute", checkoutCode, `{"cart_id": "c2", "amount": 5}`, "--json")
	if err != nil {
		t.Fatalf("execute failed: %v\n%s", err, out)
	}
	if s := decodeSummary(t, out); s.Status != engine.RunStatusSucceeded {
		t.Errorf("status = %s, want succeeded (%s)", s.Status, s.Error)
	}
}

func TestCLI_ExecuteRollsBack(t *testing.T) {
	setupWorkspace(t)

	out, err := runCLI(t, `{"cart_id": "c2", "amount": 80, "decline": true}`, "execute", checkoutCode, "-", "--json")
	if err == nil {
		t.Fatal("expected execution error")
	}
	if code := ExitCode(err); code != ExitExecution {
		t.Errorf("exit code = %d, want %d (%v)", code, ExitExecution, err)
	}

	summary := decodeSummary(t, out)
	if summary.Status != engine.RunStatusRolledBack {
		t.Fatalf("status = %s, want rolled_back", summary.Status)
	}
	if len(summary.Compensations) != 1 || summary.Compensations[0].NodeID != "add_line" || !summary.Compensations[0].Success {
		t.Errorf("unexpected compensations: %+v", summary.Compensations)
	}
	if !strings.Contains(summary.Error, "card declined") {
		t.Errorf("error = %q", summary.Error)
	}

	out, err = runCLI(t, "", "history", "--run", summary.RunID, "--json")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	var detail struct {
		Run           *stores.RunRecord            `json:"run"`
		Compensations []*stores.CompensationRecord `json:"compensations"`
		Events        []*stores.EventRecord        `json:"events"`
	}
	if err := json.Unmarshal([]byte(out), &detail); err != nil {
		t.Fatalf("Failed to decode detail: %v", err)
	}
	if detail.Run.Status != engine.RunStatusRolledBack {
		t.Errorf("stored status = %s", detail.Run.Status)
	}
	if len(detail.Compensations) != 1 {
		t.Errorf("stored compensations = %d, want 1", len(detail.Compensations))
	}
	if len(detail.Events) == 0 {
		t.Error("expected persisted events")
	}
	types := make(map[string]bool)
	for _, e := range detail.Events {
		types[e.Type] = true
	}
	for _, want := range []engine.EventType{engine.EventRunStarted, engine.EventCompensationStarted, engine.EventRunFailed} {
		if !types[string(want)] {
			t.Errorf("missing %s event, have %v", want, types)
		}
	}
}

func TestCLI_ExecuteUnknownSpec(t *testing.T) {
	setupWorkspace(t)

	_, err := runCLI(t, "", "execute", "HERA.NOPE.MISSING.v1", "--tenant", "acme")
	if code := ExitCode(err); code != ExitNotFound {
		t.Errorf("exit code = %d, want %d (%v)", code, ExitNotFound, err)
	}
}

func TestCLI_ExecuteBadPayload(t *testing.T) {
	setupWorkspace(t)

	_, err := runCLI(t, "", "execute", checkoutCode, `[1, 2]`)
	if code := ExitCode(err); code != ExitFailure {
		t.Errorf("exit code = %d, want %d (%v)", code, ExitFailure, err)
	}
}

func TestCLI_Validate(t *testing.T) {
	dir := setupWorkspace(t)

	out, err := runCLI(t, "", "validate")
	if err != nil {
		t.Fatalf("validate failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "OK      "+checkoutCode) {
		t.Errorf("unexpected output:\n%s", out)
	}

	path := filepath.Join(dir, "specs", "tenants", "acme", "loop.yaml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(cyclicSpec), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err = runCLI(t, "", "validate", "--json")
	if code := ExitCode(err); code != ExitValidation {
		t.Fatalf("exit code = %d, want %d (%v)", code, ExitValidation, err)
	}
	var reports []specReport
	if err := json.Unmarshal([]byte(out), &reports); err != nil {
		t.Fatalf("Failed to decode reports: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(reports))
	}
	for _, r := range reports {
		wantValid := r.SmartCode == checkoutCode
		if r.Valid != wantValid {
			t.Errorf("%s valid = %v, want %v (%v)", r.SmartCode, r.Valid, wantValid, r.Errors)
		}
	}
}

func TestCLI_ValidateReportsBrokenSpecFiles(t *testing.T) {
	dir := setupWorkspace(t)
	platform := filepath.Join(dir, "specs", "platform")
	bad := `{"smart_code":"HERA.BAD.SPEC.v1","nodes":[{"run":"HERA.BAD.A.v1"},{"id":"b","run":"not-a-valid-code"}]}`
	if err := os.WriteFile(filepath.Join(platform, "bad.json"), []byte(bad), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(platform, "garbage.json"), []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "", "validate")
	if code := ExitCode(err); code != ExitValidation {
		t.Fatalf("exit code = %d, want %d (%v)\n%s", code, ExitValidation, err, out)
	}
	for _, want := range []string{
		"OK      " + checkoutCode,
		"INVALID HERA.BAD.SPEC.v1",
		"nodes[0]: missing id",
		`invalid run code "not-a-valid-code"`,
		"INVALID (unloadable file)",
		"garbage.json",
		"3 spec(s) checked, 2 invalid",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = runCLI(t, "", "validate", "HERA.BAD.SPEC.v1")
	if code := ExitCode(err); code != ExitValidation {
		t.Fatalf("exit code = %d, want %d (%v)", code, ExitValidation, err)
	}
	if !strings.Contains(out, "nodes[0]: missing id") {
		t.Errorf("expected structural errors for the named spec:\n%s", out)
	}
}

func TestCLI_Simulate(t *testing.T) {
	setupWorkspace(t)

	out, err := runCLI(t, "", "simulate", checkoutCode, `{"cart_id": "c3"}`, "--json")
	if err != nil {
		t.Fatalf("simulate failed: %v", err)
	}
	var plan engine.Plan
	if err := json.Unmarshal([]byte(out), &plan); err != nil {
		t.Fatalf("Failed to decode plan: %v", err)
	}
	if !plan.Valid || len(plan.Steps) != 2 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if plan.Steps[0].ResourceID != "c3" {
		t.Errorf("resource id = %q, want c3", plan.Steps[0].ResourceID)
	}

	out, err = runCLI(t, "", "simulate", checkoutCode, "--dot")
	if err != nil {
		t.Fatalf("simulate --dot failed: %v", err)
	}
	if !strings.HasPrefix(out, "digraph") || !strings.Contains(out, `"add_line" -> "charge"`) {
		t.Errorf("unexpected DOT:\n%s", out)
	}
}

func TestCLI_Locks(t *testing.T) {
	setupWorkspace(t)

	out, err := runCLI(t, "", "locks")
	if err != nil {
		t.Fatalf("locks failed: %v", err)
	}
	if !strings.Contains(out, "No locks held") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestCLI_Serve(t *testing.T) {
	setupWorkspace(t)

	input := strings.Join([]string{
		`{"smart_code": "HERA.SALON.POS.CHECKOUT.v1", "payload": {"cart_id": "c4", "amount": 10}}`,
		`not json`,
		`{"smart_code": "HERA.NOPE.MISSING.v1"}`,
	}, "\n") + "\n"

	out, err := runCLI(t, input, "serve")
	if err != nil {
		t.Fatalf("serve failed: %v", err)
	}

	var responses []serveResponse
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var resp serveResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to decode response %q: %v", scanner.Text(), err)
		}
		responses = append(responses, resp)
	}
	if len(responses) != 3 {
		t.Fatalf("got %d responses, want 3", len(responses))
	}
	if responses[0].Error != "" || responses[0].Summary.Status != engine.RunStatusSucceeded {
		t.Errorf("first response: %+v", responses[0])
	}
	if !strings.HasPrefix(responses[1].Error, "invalid request") {
		t.Errorf("second response error = %q", responses[1].Error)
	}
	if responses[2].Code != engine.ErrCodeSpecNotFound {
		t.Errorf("third response code = %q", responses[2].Code)
	}
}
