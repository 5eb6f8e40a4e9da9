package agent

import (
	"time"

	"github.com/google/uuid"

	"github.com/modeloshacienda/consulta-agent/internal/backend"
	"github.com/modeloshacienda/consulta-agent/internal/executor"
	"github.com/modeloshacienda/consulta-agent/internal/llm"
)

// session is the mutable state of one query run. The conversation is
// append-only; everything the providers saw stays in Turns so a provider
// switch mid-session replays the full history.
type session struct {
	id        string
	userID    string
	query     string
	startedAt time.Time

	provider     llm.ProviderID
	iteration    int
	shouldFinish bool

	turns       []llm.Turn
	results     []executor.Result
	lastRecords []backend.Record
	errors      []string
}

func newSession(query, userID string, provider llm.ProviderID, now time.Time) *session {
	return &session{
		id:        uuid.NewString(),
		userID:    userID,
		query:     query,
		startedAt: now,
		provider:  provider,
	}
}

func (s *session) appendTurn(t llm.Turn) {
	s.turns = append(s.turns, t)
}

func (s *session) recordError(msg string) {
	if msg == "" {
		return
	}
	s.errors = append(s.errors, msg)
}

// absorb folds one batch of execution results into the session: evidence
// accumulates, the newest row-shaped payload becomes the working set for
// later transforms, and failures are kept for the next reasoning turn.
func (s *session) absorb(results []executor.Result) {
	for _, res := range results {
		s.results = append(s.results, res)
		if res.Err != nil {
			s.recordError(res.Err.Error())
			continue
		}
		if res.Records != nil {
			s.lastRecords = res.Records
		}
	}
}
