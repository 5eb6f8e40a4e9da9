package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modeloshacienda/consulta-agent/internal/executor"
	"github.com/modeloshacienda/consulta-agent/internal/format"
	"github.com/modeloshacienda/consulta-agent/internal/llm"
)

func systemPrompt(now time.Time) string {
	return fmt.Sprintf(`Eres un asistente de análisis de registros financieros (facturas, ventas, histórico de actividad).
La fecha actual es %s.

Reglas:
- Responde SIEMPRE con datos obtenidos mediante las capacidades disponibles. Nunca inventes cifras, proveedores ni fechas.
- Si no hay datos, dilo explícitamente.
- Prefiere los filtros del servidor (proveedor, pais_origen, fechas, importe_min, importe_max) antes que recuperar todo y filtrar en memoria.
- Interpreta períodos relativos ("últimos 3 meses", "este año") a partir de la fecha actual y pásalos como desde/hasta en formato YYYY-MM-DD.
- Las capacidades filter_data y aggregate_data operan sobre los registros recuperados más recientes.`,
		now.Format("2006-01-02"))
}

func planPrompt(s *session) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Consulta del usuario: %s\n\n", s.query)
	if s.iteration == 0 {
		sb.WriteString("Decide qué capacidades invocar para responder. Invoca las que necesites; si ya puedes responder sin datos adicionales, responde directamente con texto.")
	} else {
		sb.WriteString("Resumen de lo ejecutado hasta ahora:\n")
		sb.WriteString(evidenceSummary(s))
		sb.WriteString("\nDecide qué capacidades adicionales invocar para cubrir lo que falta de la consulta. Corrige los parámetros de las llamadas fallidas si procede.")
	}
	return sb.String()
}

func reevaluatePrompt(s *session) string {
	var sb strings.Builder
	sb.WriteString("Evalúa si los datos obtenidos bastan para responder la consulta original.\n\n")
	sb.WriteString("Consulta original: ")
	sb.WriteString(s.query)
	sb.WriteString("\n\nResumen de lo ejecutado:\n")
	sb.WriteString(evidenceSummary(s))
	sb.WriteString(`
Responde únicamente con un objeto JSON con esta forma exacta:
{"should_finish": true|false, "reason": "...", "next_actions_needed": "...", "errors_to_fix": "...", "result_quality": "alta|media|baja", "data_coverage": "completa|parcial|nula"}`)
	return sb.String()
}

func formatPrompt(s *session) string {
	var sb strings.Builder
	sb.WriteString("Genera la respuesta final para el usuario.\n\n")
	sb.WriteString("Consulta original: ")
	sb.WriteString(s.query)
	sb.WriteString("\n\nResumen de lo ejecutado:\n")
	sb.WriteString(evidenceSummary(s))
	sb.WriteString(`
Responde únicamente con un objeto JSON:
{"format": "table|text|chart", "data": ..., "metadata": {"title": "...", "description": "...", "chartType": "...", "chartLabels": [...], "chartSeries": [...]}}
- "table": data es la lista de registros a mostrar.
- "text": data es el texto de la respuesta.
- "chart": data puede ir vacío; usa chartLabels y chartSeries.
- metadata.title nunca puede estar vacío.`)
	return sb.String()
}

// evidenceSummary compresses the executed capability calls into a short,
// factual digest: what was called with which parameters and what came
// back. Row payloads are sampled, never dumped whole.
func evidenceSummary(s *session) string {
	if len(s.results) == 0 {
		return "(sin capacidades ejecutadas todavía)\n"
	}
	var sb strings.Builder
	for i, res := range s.results {
		fmt.Fprintf(&sb, "%d. %s(%s): ", i+1, res.Call.Name, compactArgs(res.Call.Args))
		if res.Err != nil {
			fmt.Fprintf(&sb, "ERROR: %s\n", truncate(res.Err.Error(), 200))
			continue
		}
		switch {
		case res.Records != nil:
			fmt.Fprintf(&sb, "%d registros", len(res.Records))
			if n := len(res.Records); n > 0 {
				if b, err := json.Marshal(res.Records[:min(n, 3)]); err == nil {
					fmt.Fprintf(&sb, ", muestra: %s", truncate(string(b), 400))
				}
			}
			sb.WriteString("\n")
		default:
			if b, err := json.Marshal(res.Payload); err == nil {
				fmt.Fprintf(&sb, "%s\n", truncate(string(b), 400))
			} else {
				fmt.Fprintf(&sb, "%v\n", res.Payload)
			}
		}
	}
	if len(s.errors) > 0 {
		fmt.Fprintf(&sb, "Errores acumulados: %s\n", truncate(strings.Join(s.errors, "; "), 400))
	}
	return sb.String()
}

func compactArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return truncate(string(b), 200)
}

// degradedEvidence is the evidence string fed into a fallback answer.
func degradedEvidence(s *session) string {
	var parts []string
	for _, res := range s.results {
		if res.Err != nil {
			continue
		}
		if res.Records != nil {
			parts = append(parts, fmt.Sprintf("%s: %d registros", res.Call.Name, len(res.Records)))
			continue
		}
		if agg, ok := res.Payload.(executor.Aggregate); ok {
			parts = append(parts, fmt.Sprintf("%s %s = %v", agg.Operation, agg.Field, agg.Result))
			continue
		}
		parts = append(parts, res.Call.Name)
	}
	return strings.Join(parts, "; ")
}

// narrativeOrInferred picks the final answer when no formatting turn could
// run: a direct narrative from the last assistant turn when one exists,
// otherwise a shape inferred from the retrieved rows.
func narrativeOrInferred(s *session) format.Answer {
	for i := len(s.turns) - 1; i >= 0; i-- {
		t := s.turns[i]
		if t.Role == llm.RoleAssistant && len(t.Calls) == 0 && strings.TrimSpace(t.Text) != "" {
			a := format.Infer(s.query, strings.TrimSpace(t.Text))
			return a
		}
	}
	if s.lastRecords != nil {
		return format.Infer(s.query, s.lastRecords)
	}
	return format.Infer(s.query, nil)
}

func truncate(str string, n int) string {
	runes := []rune(str)
	if len(runes) <= n {
		return str
	}
	return string(runes[:n]) + "…"
}
