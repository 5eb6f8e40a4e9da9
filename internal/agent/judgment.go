package agent

import (
	"encoding/json"
	"fmt"

	"github.com/modeloshacienda/consulta-agent/internal/format"
)

// judgment is the fixed-shape outcome of a reevaluation turn. The fields
// beyond should_finish are informative; they flow back into the next
// planning turn through the conversation but never drive control flow.
type judgment struct {
	ShouldFinish      bool   `json:"should_finish"`
	Reason            string `json:"reason"`
	NextActionsNeeded any    `json:"next_actions_needed"`
	ErrorsToFix       any    `json:"errors_to_fix"`
	ResultQuality     string `json:"result_quality"`
	DataCoverage      string `json:"data_coverage"`
}

func parseJudgment(raw string) (judgment, error) {
	cleaned := format.StripFences(raw)
	if cleaned == "" {
		return judgment{}, fmt.Errorf("empty judgment response")
	}
	var j judgment
	if err := json.Unmarshal([]byte(cleaned), &j); err != nil {
		return judgment{}, fmt.Errorf("parse judgment: %w", err)
	}
	return j, nil
}
