package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modeloshacienda/consulta-agent/internal/backend"
	"github.com/modeloshacienda/consulta-agent/internal/capability"
	"github.com/modeloshacienda/consulta-agent/internal/executor"
	"github.com/modeloshacienda/consulta-agent/internal/format"
	"github.com/modeloshacienda/consulta-agent/internal/llm"
	"github.com/modeloshacienda/consulta-agent/internal/sessionstore"
)

type invokeFunc func(n int, preferred llm.ProviderID, req llm.Request) (llm.Reply, llm.ProviderID, error)

type fakeReasoner struct {
	def llm.ProviderID
	fn  invokeFunc

	mu        sync.Mutex
	requests  []llm.Request
	preferred []llm.ProviderID
}

func (r *fakeReasoner) DefaultProvider() llm.ProviderID { return r.def }

func (r *fakeReasoner) Invoke(ctx context.Context, preferred llm.ProviderID, req llm.Request) (llm.Reply, llm.ProviderID, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.preferred = append(r.preferred, preferred)
	n := len(r.requests)
	r.mu.Unlock()
	return r.fn(n, preferred, req)
}

func (r *fakeReasoner) invocations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

type fakeRunner struct {
	fn func(call llm.ActionCall, prior []backend.Record) executor.Result

	mu       sync.Mutex
	executed []llm.ActionCall
}

func (f *fakeRunner) Execute(ctx context.Context, call llm.ActionCall, userID string, prior []backend.Record) executor.Result {
	f.mu.Lock()
	f.executed = append(f.executed, call)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(call, prior)
	}
	return executor.Result{Call: call, Payload: "ok"}
}

func lastUserText(req llm.Request) string {
	for i := len(req.Turns) - 1; i >= 0; i-- {
		if req.Turns[i].Role == llm.RoleUser {
			return req.Turns[i].Text
		}
	}
	return ""
}

func isReevaluation(req llm.Request) bool {
	return req.JSONOnly && strings.Contains(lastUserText(req), "should_finish")
}

func isFormatting(req llm.Request) bool {
	return req.JSONOnly && strings.Contains(lastUserText(req), "respuesta final")
}

func newTestAgent(t *testing.T, r Reasoner, run Runner) *Agent {
	t.Helper()
	a, err := New(Options{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Reasoner: r,
		Runner:   run,
		Now:      func() time.Time { return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestRunQueryEmptyQueryNeverReachesProviders(t *testing.T) {
	t.Parallel()

	r := &fakeReasoner{def: llm.ProviderOpenAI, fn: func(n int, p llm.ProviderID, req llm.Request) (llm.Reply, llm.ProviderID, error) {
		return llm.Reply{}, p, nil
	}}
	a := newTestAgent(t, r, &fakeRunner{})

	out := a.RunQuery(context.Background(), "   ", "u1")
	if r.invocations() != 0 {
		t.Fatalf("providers invoked %d times for empty query, want 0", r.invocations())
	}
	if out.Answer.Format != format.FormatText {
		t.Fatalf("Format=%q, want text", out.Answer.Format)
	}
	if out.Answer.Metadata.Title == "" {
		t.Fatal("Title empty")
	}
	if len(out.Errors) == 0 {
		t.Fatal("empty query left no error trail")
	}
}

func TestRunQueryFullFlowOverFacturas(t *testing.T) {
	t.Parallel()

	rows := []backend.Record{{"proveedor": "Meta Platforms Inc", "importe_total_euro": 100.5}}
	r := &fakeReasoner{def: llm.ProviderOpenAI, fn: func(n int, p llm.ProviderID, req llm.Request) (llm.Reply, llm.ProviderID, error) {
		switch {
		case isReevaluation(req):
			return llm.Reply{Text: `{"should_finish": true, "reason": "datos completos", "result_quality": "alta", "data_coverage": "completa"}`}, p, nil
		case isFormatting(req):
			return llm.Reply{Text: "```json\n{\"format\":\"table\",\"data\":[{\"proveedor\":\"Meta Platforms Inc\"}],\"metadata\":{\"title\":\"Facturas de Meta\"}}\n```"}, p, nil
		default:
			return llm.Reply{Calls: []llm.ActionCall{{
				ID:   "c1",
				Name: capability.GetFacturas,
				Args: map[string]any{"desde": "2026-06-01", "hasta": "2026-08-30", "proveedor": "Meta"},
			}}}, p, nil
		}
	}}
	run := &fakeRunner{fn: func(call llm.ActionCall, prior []backend.Record) executor.Result {
		return executor.Result{Call: call, Payload: rows, Records: rows}
	}}

	store, err := sessionstore.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("sessionstore.Open: %v", err)
	}
	defer store.Close()

	a, err := New(Options{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Reasoner: r,
		Runner:   run,
		Store:    store,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out := a.RunQuery(context.Background(), "facturas de Meta de los últimos 3 meses", "u1")
	if out.Answer.Format != format.FormatTable {
		t.Fatalf("Format=%q, want table", out.Answer.Format)
	}
	if out.Answer.Metadata.Title != "Facturas de Meta" {
		t.Fatalf("Title=%q", out.Answer.Metadata.Title)
	}
	if out.Iterations != 1 {
		t.Fatalf("Iterations=%d, want 1", out.Iterations)
	}
	if len(out.Errors) != 0 {
		t.Fatalf("Errors=%v, want none", out.Errors)
	}
	if len(run.executed) != 1 {
		t.Fatalf("executed %d calls, want 1", len(run.executed))
	}
	if got := run.executed[0].Args["proveedor"]; got != "Meta" {
		t.Fatalf("proveedor arg=%v, want Meta", got)
	}

	hist, err := store.History(context.Background(), "u1", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 || hist[0].Format != "table" || hist[0].Iterations != 1 {
		t.Fatalf("history=%+v, want one table/1 entry", hist)
	}
}

func TestRunQueryIterationHardCap(t *testing.T) {
	t.Parallel()

	var plans, reevals int
	r := &fakeReasoner{def: llm.ProviderOpenAI, fn: func(n int, p llm.ProviderID, req llm.Request) (llm.Reply, llm.ProviderID, error) {
		switch {
		case isReevaluation(req):
			reevals++
			// Adversarial judge: never satisfied.
			return llm.Reply{Text: `{"should_finish": false, "reason": "siempre falta algo"}`}, p, nil
		case isFormatting(req):
			return llm.Reply{Text: `{"format":"text","data":"parcial","metadata":{"title":"Parcial"}}`}, p, nil
		default:
			plans++
			return llm.Reply{Calls: []llm.ActionCall{{ID: "c", Name: capability.GetDashboard}}}, p, nil
		}
	}}
	a := newTestAgent(t, r, &fakeRunner{})

	out := a.RunQuery(context.Background(), "nunca termina", "u1")
	if out.Iterations != 3 {
		t.Fatalf("Iterations=%d, want 3", out.Iterations)
	}
	if plans != 3 {
		t.Fatalf("plan turns=%d, want 3", plans)
	}
	if reevals != 3 {
		t.Fatalf("reevaluation turns=%d, want 3", reevals)
	}
	if out.Answer.Format != format.FormatText {
		t.Fatalf("Format=%q, want text", out.Answer.Format)
	}
}

func TestRunQueryProviderSwitchIsSticky(t *testing.T) {
	t.Parallel()

	r := &fakeReasoner{def: llm.ProviderOpenAI, fn: func(n int, p llm.ProviderID, req llm.Request) (llm.Reply, llm.ProviderID, error) {
		if n == 1 {
			// First turn fails over to the other provider.
			return llm.Reply{Text: "respuesta directa"}, llm.ProviderAnthropic, nil
		}
		return llm.Reply{Text: `{"format":"text","data":"respuesta directa","metadata":{"title":"Respuesta"}}`}, p, nil
	}}
	a := newTestAgent(t, r, &fakeRunner{})

	out := a.RunQuery(context.Background(), "una consulta", "u1")
	if out.Provider != llm.ProviderAnthropic {
		t.Fatalf("Provider=%q, want %q", out.Provider, llm.ProviderAnthropic)
	}
	if len(r.preferred) < 2 {
		t.Fatalf("invocations=%d, want at least 2", len(r.preferred))
	}
	if r.preferred[1] != llm.ProviderAnthropic {
		t.Fatalf("second invocation preferred=%q, want %q (switch must stick)", r.preferred[1], llm.ProviderAnthropic)
	}
}

func TestRunQueryProseReplyStillJudged(t *testing.T) {
	t.Parallel()

	var reevals int
	r := &fakeReasoner{def: llm.ProviderOpenAI, fn: func(n int, p llm.ProviderID, req llm.Request) (llm.Reply, llm.ProviderID, error) {
		switch {
		case isReevaluation(req):
			reevals++
			return llm.Reply{Text: `{"should_finish": true, "reason": "respuesta directa suficiente"}`}, p, nil
		case isFormatting(req):
			return llm.Reply{Text: `{"format":"text","data":"no hay facturas pendientes","metadata":{"title":"Facturas pendientes"}}`}, p, nil
		default:
			// A direct answer with no capability calls is not terminal by
			// itself; the judgment turn decides.
			return llm.Reply{Text: "No hay facturas pendientes."}, p, nil
		}
	}}
	run := &fakeRunner{}
	a := newTestAgent(t, r, run)

	out := a.RunQuery(context.Background(), "¿tengo facturas pendientes?", "u1")
	if reevals != 1 {
		t.Fatalf("reevaluation turns=%d, want 1", reevals)
	}
	if out.Iterations != 1 {
		t.Fatalf("Iterations=%d, want 1", out.Iterations)
	}
	if len(run.executed) != 0 {
		t.Fatalf("executed %d calls, want 0", len(run.executed))
	}
	if out.Answer.Format != format.FormatText {
		t.Fatalf("Format=%q, want text", out.Answer.Format)
	}
}

func TestRunQueryPlanFailureDegrades(t *testing.T) {
	t.Parallel()

	r := &fakeReasoner{def: llm.ProviderOpenAI, fn: func(n int, p llm.ProviderID, req llm.Request) (llm.Reply, llm.ProviderID, error) {
		return llm.Reply{}, "", errors.New("both providers failed")
	}}
	a := newTestAgent(t, r, &fakeRunner{})

	out := a.RunQuery(context.Background(), "una consulta", "u1")
	if out.Iterations != 0 {
		t.Fatalf("Iterations=%d, want 0 (plan failure must not count)", out.Iterations)
	}
	if r.invocations() != 1 {
		t.Fatalf("invocations=%d, want 1 (no formatting turn without evidence)", r.invocations())
	}
	if out.Answer.Metadata.Description != format.DegradedDescription {
		t.Fatalf("Description=%q, want degraded marker", out.Answer.Metadata.Description)
	}
	body, _ := out.Answer.Data.(string)
	if !strings.Contains(body, "both providers failed") {
		t.Fatalf("degraded body %q lost the cause", body)
	}
}

func TestRunQueryFormatParseFallsBackToTable(t *testing.T) {
	t.Parallel()

	rows := []backend.Record{{"proveedor": "Meta"}, {"proveedor": "Google"}}
	r := &fakeReasoner{def: llm.ProviderOpenAI, fn: func(n int, p llm.ProviderID, req llm.Request) (llm.Reply, llm.ProviderID, error) {
		switch {
		case isReevaluation(req):
			return llm.Reply{Text: `{"should_finish": true}`}, p, nil
		case isFormatting(req):
			return llm.Reply{Text: "esto no es JSON"}, p, nil
		default:
			return llm.Reply{Calls: []llm.ActionCall{{ID: "c1", Name: capability.GetFacturas}}}, p, nil
		}
	}}
	run := &fakeRunner{fn: func(call llm.ActionCall, prior []backend.Record) executor.Result {
		return executor.Result{Call: call, Payload: rows, Records: rows}
	}}
	a := newTestAgent(t, r, run)

	out := a.RunQuery(context.Background(), "facturas", "u1")
	if out.Answer.Format != format.FormatTable {
		t.Fatalf("Format=%q, want inferred table", out.Answer.Format)
	}
	if out.Answer.Metadata.Title == "" {
		t.Fatal("Title empty in inferred answer")
	}
}

func TestRunQueryBatchKeepsRequestOrder(t *testing.T) {
	t.Parallel()

	delays := map[string]time.Duration{"c1": 30 * time.Millisecond, "c2": 10 * time.Millisecond, "c3": 0}
	var reevalReq llm.Request
	r := &fakeReasoner{def: llm.ProviderOpenAI, fn: func(n int, p llm.ProviderID, req llm.Request) (llm.Reply, llm.ProviderID, error) {
		switch {
		case isReevaluation(req):
			reevalReq = req
			return llm.Reply{Text: `{"should_finish": true}`}, p, nil
		case isFormatting(req):
			return llm.Reply{Text: `{"format":"text","data":"ok","metadata":{"title":"Resumen"}}`}, p, nil
		default:
			return llm.Reply{Calls: []llm.ActionCall{
				{ID: "c1", Name: capability.GetFacturas},
				{ID: "c2", Name: capability.GetVentas},
				{ID: "c3", Name: capability.GetDashboard},
			}}, p, nil
		}
	}}
	run := &fakeRunner{fn: func(call llm.ActionCall, prior []backend.Record) executor.Result {
		time.Sleep(delays[call.ID])
		return executor.Result{Call: call, Payload: call.ID}
	}}
	a := newTestAgent(t, r, run)

	out := a.RunQuery(context.Background(), "todo a la vez", "u1")
	if len(out.Errors) != 0 {
		t.Fatalf("Errors=%v", out.Errors)
	}

	// Tool turns must appear in request order even though the slowest call
	// was requested first.
	var toolOrder []string
	for _, turn := range reevalReq.Turns {
		if turn.Role == llm.RoleTool {
			toolOrder = append(toolOrder, turn.CallID)
		}
	}
	want := []string{"c1", "c2", "c3"}
	if len(toolOrder) != len(want) {
		t.Fatalf("toolOrder=%v, want %v", toolOrder, want)
	}
	for i := range want {
		if toolOrder[i] != want[i] {
			t.Fatalf("toolOrder=%v, want %v", toolOrder, want)
		}
	}
}

func TestRunQueryExecutionErrorFeedsNextTurn(t *testing.T) {
	t.Parallel()

	var secondPlan llm.Request
	planCount := 0
	r := &fakeReasoner{def: llm.ProviderOpenAI, fn: func(n int, p llm.ProviderID, req llm.Request) (llm.Reply, llm.ProviderID, error) {
		switch {
		case isReevaluation(req):
			return llm.Reply{Text: `{"should_finish": false, "errors_to_fix": "fechas inválidas"}`}, p, nil
		case isFormatting(req):
			return llm.Reply{Text: `{"format":"text","data":"sin datos","metadata":{"title":"Sin datos"}}`}, p, nil
		default:
			planCount++
			if planCount == 1 {
				return llm.Reply{Calls: []llm.ActionCall{{ID: "c1", Name: capability.GetFacturas, Args: map[string]any{"desde": "mal"}}}}, p, nil
			}
			secondPlan = req
			return llm.Reply{Text: "no hay más que hacer"}, p, nil
		}
	}}
	run := &fakeRunner{fn: func(call llm.ActionCall, prior []backend.Record) executor.Result {
		return executor.Result{Call: call, Err: &executor.ExecutionError{
			Capability: call.Name,
			Args:       call.Args,
			Err:        errors.New("invalid date"),
		}}
	}}
	a := newTestAgent(t, r, run)

	out := a.RunQuery(context.Background(), "facturas con fechas rotas", "u1")
	if len(out.Errors) == 0 {
		t.Fatal("execution error not recorded")
	}
	found := false
	for _, turn := range secondPlan.Turns {
		if turn.Role == llm.RoleTool && strings.Contains(string(turn.Payload), "invalid date") {
			found = true
		}
	}
	if !found {
		t.Fatal("second plan turn did not see the execution error")
	}
	prompt := lastUserText(secondPlan)
	if !strings.Contains(prompt, "Resumen de lo ejecutado") || !strings.Contains(prompt, "invalid date") {
		t.Fatalf("retry plan prompt missing the evidence digest: %q", prompt)
	}
}
