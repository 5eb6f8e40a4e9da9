// Package executor dispatches capability calls decided by the reasoning
// layer: retrieval against the records backend, in-memory transforms over
// previously retrieved rows, web lookups, and the permanently disabled SQL
// path.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/modeloshacienda/consulta-agent/internal/backend"
	"github.com/modeloshacienda/consulta-agent/internal/capability"
	"github.com/modeloshacienda/consulta-agent/internal/llm"
	"github.com/modeloshacienda/consulta-agent/internal/sqlguard"
	"github.com/modeloshacienda/consulta-agent/internal/websearch"
)

// ErrSQLDisabled is returned for every execute_sql_safe call. Direct SQL
// stays off even when the statement would pass the guard.
var ErrSQLDisabled = errors.New("direct SQL execution is disabled")

// ExecutionError wraps a failed capability call with enough context to
// feed back into the next reasoning turn.
type ExecutionError struct {
	Capability string
	Args       map[string]any
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("capability %s failed (args=%v): %v", e.Capability, e.Args, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// SQLAuditor records SQL statements that the guard refused. Nil is allowed.
type SQLAuditor interface {
	SQLRejected(userID, query, reason string)
}

// Result is the outcome of one capability call. Records is set when the
// payload is row-shaped so later transforms can reuse it.
type Result struct {
	Call    llm.ActionCall
	Payload any
	Records []backend.Record
	Err     error
}

type Options struct {
	Logger  *slog.Logger
	Backend *backend.Client
	Web     *websearch.Client
	Audit   SQLAuditor
	Now     func() time.Time
}

type Executor struct {
	log     *slog.Logger
	backend *backend.Client
	web     *websearch.Client
	audit   SQLAuditor
	now     func() time.Time
}

func New(opts Options) (*Executor, error) {
	if opts.Backend == nil {
		return nil, errors.New("missing Backend")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Executor{
		log:     log,
		backend: opts.Backend,
		web:     opts.Web,
		audit:   opts.Audit,
		now:     now,
	}, nil
}

// Execute runs one capability call. prior holds the most recently retrieved
// rows of the session; the transform capabilities operate on it. Errors are
// returned inside the Result so one failed call never aborts a batch.
func (ex *Executor) Execute(ctx context.Context, call llm.ActionCall, userID string, prior []backend.Record) Result {
	res := Result{Call: call}
	def, ok := capability.Lookup(call.Name)
	if !ok {
		res.Err = &ExecutionError{Capability: call.Name, Args: call.Args, Err: errors.New("unknown capability")}
		return res
	}

	var err error
	switch def.Name {
	case capability.GetFacturas:
		res.Records, err = ex.facturas(ctx, call.Args)
		res.Payload = res.Records
	case capability.GetVentas:
		res.Records, err = ex.ventas(ctx, call.Args)
		res.Payload = res.Records
	case capability.GetDashboard:
		res.Payload, err = ex.backend.Dashboard(ctx)
	case capability.GetHistorico:
		res.Payload, err = ex.backend.Historico(ctx, intArg(call.Args, "limit", 10))
	case capability.FilterData:
		res.Records = FilterData(prior, stringArg(call.Args, "campo"), valueArg(call.Args, "valor"))
		res.Payload = res.Records
	case capability.AggregateData:
		res.Payload, err = AggregateData(prior, stringArg(call.Args, "operation"), stringArg(call.Args, "field"))
	case capability.WebSearch:
		res.Payload, err = ex.webSearch(ctx, call.Args)
	case capability.SearchExchangeRate:
		res.Payload, err = ex.exchangeRate(ctx, call.Args)
	case capability.VerifyCompanyInfo:
		res.Payload, err = ex.companyInfo(ctx, call.Args)
	case capability.ExecuteSQLSafe:
		err = ex.rejectSQL(userID, call.Args)
	case capability.ListTables:
		res.Payload = listTables()
	case capability.GetTableSchema:
		res.Payload, err = tableSchema(stringArg(call.Args, "table_name"))
	default:
		err = errors.New("unhandled capability kind")
	}

	if err != nil {
		res.Err = &ExecutionError{Capability: def.Name, Args: call.Args, Err: err}
		ex.log.Warn("capability failed", "capability", def.Name, "user_id", userID, "error", err)
	}
	return res
}

func (ex *Executor) facturas(ctx context.Context, args map[string]any) ([]backend.Record, error) {
	desde, hasta := ex.resolveDates(args)
	filter := backend.FacturaFilter{
		Proveedor:  stringArg(args, "proveedor"),
		PaisOrigen: stringArg(args, "pais_origen"),
		Categoria:  stringArg(args, "categoria"),
		Moneda:     stringArg(args, "moneda"),
		Limit:      intArg(args, "limit", 0),
	}
	if v, ok := floatArg(args, "importe_min"); ok {
		filter.ImporteMin = &v
	}
	if v, ok := floatArg(args, "importe_max"); ok {
		filter.ImporteMax = &v
	}
	return ex.backend.Facturas(ctx, desde, hasta, filter)
}

func (ex *Executor) ventas(ctx context.Context, args map[string]any) ([]backend.Record, error) {
	desde, hasta := ex.resolveDates(args)
	return ex.backend.Ventas(ctx, desde, hasta)
}

func (ex *Executor) resolveDates(args map[string]any) (string, string) {
	desde := stringArg(args, "desde")
	hasta := stringArg(args, "hasta")
	if desde != "" && hasta != "" {
		return desde, hasta
	}
	return backend.DateRangeForPeriod(stringArg(args, "periodo"), ex.now())
}

func (ex *Executor) webSearch(ctx context.Context, args map[string]any) (any, error) {
	if ex.web == nil {
		return nil, errors.New("web search is not configured")
	}
	return ex.web.Search(ctx, websearch.SearchRequest{
		Query: stringArg(args, "query"),
		Count: intArg(args, "max_results", 0),
	})
}

func (ex *Executor) exchangeRate(ctx context.Context, args map[string]any) (any, error) {
	if ex.web == nil {
		return nil, errors.New("web search is not configured")
	}
	return ex.web.SearchExchangeRate(ctx,
		stringArg(args, "currency_from"),
		stringArg(args, "currency_to"),
		stringArg(args, "date"))
}

func (ex *Executor) companyInfo(ctx context.Context, args map[string]any) (any, error) {
	if ex.web == nil {
		return nil, errors.New("web search is not configured")
	}
	return ex.web.VerifyCompanyInfo(ctx,
		stringArg(args, "company_name"),
		stringArg(args, "country"))
}

// rejectSQL validates the statement so the audit trail distinguishes
// guard-rejected statements from guard-clean ones, then refuses both.
func (ex *Executor) rejectSQL(userID string, args map[string]any) error {
	query := stringArg(args, "query")
	reason := "sql path disabled"
	if ok, why := sqlguard.Validate(query); !ok {
		reason = why
	}
	if ex.audit != nil {
		ex.audit.SQLRejected(userID, query, reason)
	}
	ex.log.Warn("sql execution rejected", "user_id", userID, "reason", reason)
	return fmt.Errorf("%w: %s", ErrSQLDisabled, reason)
}

func listTables() []string {
	out := make([]string, 0, len(sqlguard.AllowedTables))
	for name := range sqlguard.AllowedTables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

var tableSchemas = map[string][]string{
	"facturas":           {"id", "numero_factura", "proveedor", "fecha_emision", "importe_total_euro", "moneda", "pais_origen", "categoria"},
	"ventas":             {"id", "cliente", "fecha", "importe_total_euro", "pais_destino", "categoria"},
	"facturas_generadas": {"id", "numero", "cliente", "fecha_emision", "total", "created_by"},
	"uploads":            {"id", "filename", "user_id", "uploaded_at", "status"},
}

func tableSchema(table string) (any, error) {
	table = strings.ToLower(strings.TrimSpace(table))
	cols, ok := tableSchemas[table]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	return map[string]any{"table": table, "columns": cols}, nil
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

// valueArg renders an argument of any type as the string FilterData
// matches against. The filter value is untyped in the schema, so numbers
// arrive as float64.
func valueArg(args map[string]any, key string) string {
	if args == nil || args[key] == nil {
		return ""
	}
	if s, ok := args[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprintf("%v", args[key]))
}

func intArg(args map[string]any, key string, def int) int {
	if args == nil {
		return def
	}
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if f, ok := numericValue(v); ok {
			return int(f)
		}
	}
	return def
}

func floatArg(args map[string]any, key string) (float64, bool) {
	if args == nil {
		return 0, false
	}
	return numericValue(args[key])
}
