// Package format shapes the final answer of a query session: a table, a
// narrative text or a chart, always carrying presentation metadata with a
// non-empty title. When the reasoning layer cannot produce a well-formed
// answer the package degrades to a narrative built from the evidence
// gathered so far instead of failing the session.
package format

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modeloshacienda/consulta-agent/internal/backend"
)

const (
	FormatTable = "table"
	FormatText  = "text"
	FormatChart = "chart"
)

const defaultTitle = "Consulta"

// DegradedDescription marks answers produced by the fallback path.
const DegradedDescription = "Respuesta degradada"

// Metadata describes how the data should be presented.
type Metadata struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	ChartType   string    `json:"chartType,omitempty"`
	ChartLabels []string  `json:"chartLabels,omitempty"`
	ChartSeries []float64 `json:"chartSeries,omitempty"`
}

// Answer is the final result handed back to the caller.
type Answer struct {
	Format   string   `json:"format"`
	Data     any      `json:"data"`
	Metadata Metadata `json:"metadata"`
}

// Parse reads the formatting decision produced by the reasoning layer.
// Markdown code fences around the JSON are tolerated. The format value
// must be one of table, text or chart; anything else is an error so the
// caller can degrade.
func Parse(raw string) (Answer, error) {
	cleaned := StripFences(raw)
	if cleaned == "" {
		return Answer{}, fmt.Errorf("empty formatting response")
	}
	var a Answer
	if err := json.Unmarshal([]byte(cleaned), &a); err != nil {
		return Answer{}, fmt.Errorf("parse formatting response: %w", err)
	}
	a.Format = strings.ToLower(strings.TrimSpace(a.Format))
	switch a.Format {
	case FormatTable, FormatText, FormatChart:
	default:
		return Answer{}, fmt.Errorf("unknown format %q", a.Format)
	}
	if strings.TrimSpace(a.Metadata.Title) == "" {
		a.Metadata.Title = defaultTitle
	}
	return a, nil
}

// Infer derives an answer shape directly from the data when no formatting
// turn ran: row-shaped data becomes a table, everything else a text.
func Infer(query string, data any) Answer {
	title := titleFromQuery(query)
	switch v := data.(type) {
	case nil:
		return Answer{
			Format:   FormatText,
			Data:     "No se encontraron datos para la consulta.",
			Metadata: Metadata{Title: title},
		}
	case []backend.Record:
		return Answer{Format: FormatTable, Data: v, Metadata: Metadata{Title: title}}
	case []any:
		if len(v) > 0 {
			if _, ok := v[0].(map[string]any); ok {
				return Answer{Format: FormatTable, Data: v, Metadata: Metadata{Title: title}}
			}
		}
		return Answer{Format: FormatText, Data: fmt.Sprintf("%v", v), Metadata: Metadata{Title: title}}
	case string:
		return Answer{Format: FormatText, Data: v, Metadata: Metadata{Title: title}}
	default:
		return Answer{Format: FormatText, Data: fmt.Sprintf("%v", v), Metadata: Metadata{Title: title}}
	}
}

// Degraded builds the fallback narrative answer. evidence is a short
// summary of what was actually retrieved; it is truncated so a large
// result set never floods the answer.
func Degraded(query, evidence string, cause error) Answer {
	var sb strings.Builder
	sb.WriteString("No se pudo completar la consulta con un resultado estructurado.")
	if evidence = strings.TrimSpace(evidence); evidence != "" {
		sb.WriteString(" Datos obtenidos hasta el momento: ")
		sb.WriteString(truncate(evidence, 600))
	}
	if cause != nil {
		sb.WriteString(" Motivo: ")
		sb.WriteString(truncate(cause.Error(), 200))
	}
	return Answer{
		Format: FormatText,
		Data:   sb.String(),
		Metadata: Metadata{
			Title:       titleFromQuery(query),
			Description: DegradedDescription,
		},
	}
}

// StripFences removes a surrounding markdown code fence, with or without a
// language tag, from a model response.
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		// Drop the language tag line (e.g. "json").
		first := strings.TrimSpace(s[:idx])
		if first == "" || !strings.ContainsAny(first, "{}[]") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func titleFromQuery(query string) string {
	q := strings.TrimSpace(query)
	if q == "" {
		return defaultTitle
	}
	return truncate(q, 80)
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
