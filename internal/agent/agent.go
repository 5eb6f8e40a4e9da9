// Package agent runs the iterative query loop: plan capability calls,
// execute them, reevaluate whether the evidence answers the question, and
// format the final answer. A run never returns an error; every failure
// path ends in a degraded narrative answer.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/modeloshacienda/consulta-agent/internal/auditlog"
	"github.com/modeloshacienda/consulta-agent/internal/backend"
	"github.com/modeloshacienda/consulta-agent/internal/capability"
	"github.com/modeloshacienda/consulta-agent/internal/executor"
	"github.com/modeloshacienda/consulta-agent/internal/format"
	"github.com/modeloshacienda/consulta-agent/internal/llm"
	"github.com/modeloshacienda/consulta-agent/internal/sessionstore"
)

// defaultMaxIterations caps the plan/execute/reevaluate loop.
const defaultMaxIterations = 3

// Reasoner is the provider failover layer.
type Reasoner interface {
	DefaultProvider() llm.ProviderID
	Invoke(ctx context.Context, preferred llm.ProviderID, req llm.Request) (llm.Reply, llm.ProviderID, error)
}

// Runner executes one capability call.
type Runner interface {
	Execute(ctx context.Context, call llm.ActionCall, userID string, prior []backend.Record) executor.Result
}

type Options struct {
	Logger   *slog.Logger
	Reasoner Reasoner
	Runner   Runner

	// Optional observability and history sinks.
	Audit *auditlog.Store
	Store *sessionstore.Store

	Now           func() time.Time
	MaxIterations int
}

type Agent struct {
	log      *slog.Logger
	reasoner Reasoner
	runner   Runner
	audit    *auditlog.Store
	store    *sessionstore.Store
	now      func() time.Time
	maxIter  int
}

// Outcome is everything a caller learns about a finished run.
type Outcome struct {
	SessionID  string
	Answer     format.Answer
	Provider   llm.ProviderID
	Iterations int
	Errors     []string
	Duration   time.Duration
}

func New(opts Options) (*Agent, error) {
	if opts.Reasoner == nil {
		return nil, errors.New("missing Reasoner")
	}
	if opts.Runner == nil {
		return nil, errors.New("missing Runner")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	return &Agent{
		log:      log,
		reasoner: opts.Reasoner,
		runner:   opts.Runner,
		audit:    opts.Audit,
		store:    opts.Store,
		now:      now,
		maxIter:  maxIter,
	}, nil
}

// RunQuery answers one natural-language query for one user. It never
// panics outward and never returns an error: validation failures, provider
// outages and malformed model output all degrade into a text answer.
func (a *Agent) RunQuery(ctx context.Context, query, userID string) (out Outcome) {
	s := newSession(strings.TrimSpace(query), strings.TrimSpace(userID), a.reasoner.DefaultProvider(), a.now())
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("query run panicked", "session_id", s.id, "panic", r)
			s.recordError(fmt.Sprintf("panic: %v", r))
			out = a.finish(context.WithoutCancel(ctx), s, format.Degraded(s.query, degradedEvidence(s), fmt.Errorf("internal error")))
		}
	}()

	if s.query == "" {
		s.recordError("empty query")
		return a.finish(ctx, s, format.Answer{
			Format:   format.FormatText,
			Data:     "La consulta está vacía. Escribe una pregunta sobre tus registros.",
			Metadata: format.Metadata{Title: "Consulta vacía", Description: format.DegradedDescription},
		})
	}

	a.log.Info("query started", "session_id", s.id, "user_id", s.userID, "provider", string(s.provider))
	a.runLoop(ctx, s)
	return a.finish(ctx, s, a.formatAnswer(ctx, s))
}

func (a *Agent) runLoop(ctx context.Context, s *session) {
	s.appendTurn(llm.Turn{Role: llm.RoleUser, Text: planPrompt(s)})
	for {
		reply, answered, err := a.reasoner.Invoke(ctx, s.provider, llm.Request{
			System:       systemPrompt(a.now()),
			Turns:        s.turns,
			Capabilities: capability.List(),
		})
		if err != nil {
			s.recordError("plan: " + err.Error())
			s.shouldFinish = true
			return
		}
		a.noteProvider(s, answered)
		s.appendTurn(llm.Turn{Role: llm.RoleAssistant, Text: reply.Text, Calls: reply.Calls})

		// A reply with no calls is a candidate direct answer; the judgment
		// turn decides whether it closes the query or more data is needed.
		if len(reply.Calls) > 0 {
			results := a.executeAll(ctx, reply.Calls, s)
			for _, res := range results {
				s.appendTurn(llm.Turn{
					Role:     llm.RoleTool,
					CallID:   res.Call.ID,
					CallName: res.Call.Name,
					Payload:  encodeResult(res),
				})
			}
			s.absorb(results)
		}

		a.reevaluate(ctx, s)
		if s.shouldFinish || s.iteration >= a.maxIter {
			return
		}
		s.appendTurn(llm.Turn{Role: llm.RoleUser, Text: planPrompt(s)})
	}
}

// executeAll runs one batch of capability calls concurrently and returns
// the results in request order. Every call in the batch sees the working
// set as it was before the batch started.
func (a *Agent) executeAll(ctx context.Context, calls []llm.ActionCall, s *session) []executor.Result {
	results := make([]executor.Result, len(calls))
	prior := s.lastRecords
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llm.ActionCall) {
			defer wg.Done()
			results[i] = a.runner.Execute(ctx, call, s.userID, prior)
		}(i, call)
	}
	wg.Wait()
	return results
}

// reevaluate runs one judgment turn and advances the iteration counter.
// Any failure here finishes the session with whatever evidence exists.
func (a *Agent) reevaluate(ctx context.Context, s *session) {
	s.appendTurn(llm.Turn{Role: llm.RoleUser, Text: reevaluatePrompt(s)})
	reply, answered, err := a.reasoner.Invoke(ctx, s.provider, llm.Request{
		System:   systemPrompt(a.now()),
		Turns:    s.turns,
		JSONOnly: true,
	})
	s.iteration++
	if err != nil {
		s.recordError("reevaluate: " + err.Error())
		s.shouldFinish = true
		return
	}
	a.noteProvider(s, answered)
	s.appendTurn(llm.Turn{Role: llm.RoleAssistant, Text: reply.Text})

	j, err := parseJudgment(reply.Text)
	if err != nil {
		s.recordError("reevaluate: " + err.Error())
		s.shouldFinish = true
		return
	}
	s.shouldFinish = j.ShouldFinish
	a.log.Debug("reevaluation", "session_id", s.id, "iteration", s.iteration,
		"should_finish", j.ShouldFinish, "quality", j.ResultQuality, "coverage", j.DataCoverage)
}

// formatAnswer runs the final formatting turn. A failed turn falls back to
// the last narrative or an inferred shape; with no usable evidence at all
// the answer degrades.
func (a *Agent) formatAnswer(ctx context.Context, s *session) format.Answer {
	if len(s.results) == 0 && len(s.errors) > 0 {
		return format.Degraded(s.query, "", errors.New(strings.Join(s.errors, "; ")))
	}

	s.appendTurn(llm.Turn{Role: llm.RoleUser, Text: formatPrompt(s)})
	reply, answered, err := a.reasoner.Invoke(ctx, s.provider, llm.Request{
		System:   systemPrompt(a.now()),
		Turns:    s.turns,
		JSONOnly: true,
	})
	if err != nil {
		s.recordError("format: " + err.Error())
		if len(s.results) > 0 || s.lastRecords != nil {
			return narrativeOrInferred(s)
		}
		return format.Degraded(s.query, degradedEvidence(s), err)
	}
	a.noteProvider(s, answered)
	s.appendTurn(llm.Turn{Role: llm.RoleAssistant, Text: reply.Text})

	answer, err := format.Parse(reply.Text)
	if err != nil {
		s.recordError("format: " + err.Error())
		return narrativeOrInferred(s)
	}
	return answer
}

func (a *Agent) noteProvider(s *session, answered llm.ProviderID) {
	if answered == "" || answered == s.provider {
		return
	}
	a.log.Warn("provider preference switched", "session_id", s.id,
		"from", string(s.provider), "to", string(answered))
	if a.audit != nil {
		a.audit.ProviderSwitched(s.id, s.userID, string(s.provider), string(answered))
	}
	s.provider = answered
}

func (a *Agent) finish(ctx context.Context, s *session, answer format.Answer) Outcome {
	duration := a.now().Sub(s.startedAt)
	out := Outcome{
		SessionID:  s.id,
		Answer:     answer,
		Provider:   s.provider,
		Iterations: s.iteration,
		Errors:     s.errors,
		Duration:   duration,
	}

	degraded := answer.Metadata.Description == format.DegradedDescription
	if a.audit != nil {
		if degraded {
			a.audit.QueryFailed(s.id, s.userID, s.query, s.iteration, strings.Join(s.errors, "; "))
		} else {
			a.audit.QueryCompleted(s.id, s.userID, s.query, string(s.provider), answer.Format, s.iteration)
		}
	}
	if a.store != nil {
		if err := a.store.Record(ctx, sessionstore.Entry{
			SessionID:  s.id,
			UserID:     s.userID,
			Query:      s.query,
			Provider:   string(s.provider),
			Format:     answer.Format,
			Iterations: s.iteration,
			Errors:     strings.Join(s.errors, "; "),
			DurationMs: duration.Milliseconds(),
		}); err != nil {
			a.log.Warn("session store write failed", "session_id", s.id, "error", err)
		}
	}

	a.log.Info("query finished", "session_id", s.id, "user_id", s.userID,
		"format", answer.Format, "iterations", s.iteration, "degraded", degraded,
		"duration_ms", duration.Milliseconds())
	return out
}

func encodeResult(res executor.Result) json.RawMessage {
	if res.Err != nil {
		b, _ := json.Marshal(map[string]string{"error": res.Err.Error()})
		return b
	}
	b, err := json.Marshal(res.Payload)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"error": "unserializable payload"})
	}
	return b
}
