package executor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/modeloshacienda/consulta-agent/internal/backend"
)

// Aggregate is the payload of an aggregate_data call.
type Aggregate struct {
	Operation string  `json:"operacion"`
	Field     string  `json:"campo,omitempty"`
	Result    float64 `json:"resultado"`
	Records   int     `json:"registros"`
}

// FilterData keeps the records whose field value matches the given value as
// a case-insensitive substring in either direction, so "Meta" matches
// "Meta Platforms Inc" and "Meta Platforms Inc" matches "Meta". A missing
// field or value leaves the records untouched.
func FilterData(records []backend.Record, field, value string) []backend.Record {
	field = strings.TrimSpace(field)
	value = strings.TrimSpace(value)
	if field == "" || value == "" {
		return records
	}
	needle := strings.ToLower(value)
	out := make([]backend.Record, 0, len(records))
	for _, rec := range records {
		raw, ok := rec[field]
		if !ok || raw == nil {
			continue
		}
		have := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", raw)))
		if have == "" {
			continue
		}
		if strings.Contains(have, needle) || strings.Contains(needle, have) {
			out = append(out, rec)
		}
	}
	return out
}

// AggregateData computes sum, avg or count over a field of the records.
// count ignores the field and returns the record count. Numeric values
// stored as strings with a decimal comma ("1234,56") are coerced; values
// that cannot be parsed are skipped.
func AggregateData(records []backend.Record, operation, field string) (Aggregate, error) {
	op := strings.ToLower(strings.TrimSpace(operation))
	agg := Aggregate{Operation: op, Field: strings.TrimSpace(field), Records: len(records)}
	switch op {
	case "count":
		agg.Field = ""
		agg.Result = float64(len(records))
		return agg, nil
	case "sum", "avg":
		if agg.Field == "" {
			return Aggregate{}, fmt.Errorf("operation %q needs a field", op)
		}
		var total float64
		parsed := 0
		for _, rec := range records {
			v, ok := numericValue(rec[agg.Field])
			if !ok {
				continue
			}
			total += v
			parsed++
		}
		if op == "avg" {
			if parsed == 0 {
				agg.Result = 0
				return agg, nil
			}
			agg.Result = total / float64(parsed)
			return agg, nil
		}
		agg.Result = total
		return agg, nil
	default:
		return Aggregate{}, fmt.Errorf("unknown aggregate operation %q", operation)
	}
}

func numericValue(raw any) (float64, bool) {
	switch v := raw.(type) {
	case nil:
		return 0, false
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(v, ",", "."))
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		f, err := strconv.ParseFloat(strings.TrimSpace(fmt.Sprintf("%v", raw)), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
}
