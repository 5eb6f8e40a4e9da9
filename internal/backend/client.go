// Package backend is the read-only HTTP client for the records service:
// invoices, sales, the periodic dashboard summary and the recent-operations
// history. All requests are parameterized date-range reads; the client never
// mutates anything.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout  = 30 * time.Second
	maxBodyBytes    = 8 << 20 // 8 MiB
	maxFacturaLimit = 1000
)

// Record is one flat row returned by the records service.
type Record = map[string]any

// FacturaFilter narrows a get_facturas request. Zero values mean "no filter".
type FacturaFilter struct {
	Proveedor  string
	PaisOrigen string
	ImporteMin *float64
	ImporteMax *float64
	Categoria  string
	Moneda     string
	Limit      int
}

// Client talks to the records service.
type Client struct {
	log     *slog.Logger
	baseURL string
	http    *http.Client
}

type Options struct {
	Logger *slog.Logger

	// BaseURL is the records service root (e.g. "http://localhost:8000").
	BaseURL string

	// Timeout bounds each request. Zero means the 30s default.
	Timeout time.Duration
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("missing backend base url")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid backend base url: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		log:     logger,
		baseURL: base,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// Facturas fetches invoices in [desde, hasta] with optional filters.
// An empty result set is a valid empty slice, not an error.
func (c *Client) Facturas(ctx context.Context, desde, hasta string, f FacturaFilter) ([]Record, error) {
	if err := validateDateRange(desde, hasta); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("desde", desde)
	q.Set("hasta", hasta)
	if v := strings.TrimSpace(f.Proveedor); v != "" {
		q.Set("proveedor", v)
	}
	if v := strings.TrimSpace(f.PaisOrigen); v != "" {
		q.Set("pais_origen", v)
	}
	if f.ImporteMin != nil {
		q.Set("importe_min", strconv.FormatFloat(*f.ImporteMin, 'f', -1, 64))
	}
	if f.ImporteMax != nil {
		q.Set("importe_max", strconv.FormatFloat(*f.ImporteMax, 'f', -1, 64))
	}
	if v := strings.TrimSpace(f.Categoria); v != "" {
		q.Set("categoria", v)
	}
	if v := strings.TrimSpace(f.Moneda); v != "" {
		q.Set("moneda", v)
	}
	limit := f.Limit
	if limit <= 0 || limit > maxFacturaLimit {
		limit = maxFacturaLimit
	}
	q.Set("limit", strconv.Itoa(limit))

	var out []Record
	if err := c.getJSON(ctx, "/api/facturas/", q, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Record{}
	}
	return out, nil
}

// Ventas fetches sales in [desde, hasta].
func (c *Client) Ventas(ctx context.Context, desde, hasta string) ([]Record, error) {
	if err := validateDateRange(desde, hasta); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("desde", desde)
	q.Set("hasta", hasta)

	var out []Record
	if err := c.getJSON(ctx, "/api/ventas/", q, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Record{}
	}
	return out, nil
}

// Dashboard fetches the six-month periodic summary object.
func (c *Client) Dashboard(ctx context.Context) (Record, error) {
	var out Record
	if err := c.getJSON(ctx, "/api/dashboard/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Historico fetches the most recent operations, capped at limit.
func (c *Client) Historico(ctx context.Context, limit int) (Record, error) {
	if limit <= 0 {
		limit = 10
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))

	var out Record
	if err := c.getJSON(ctx, "/api/dashboard/historico", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	if c == nil {
		return errors.New("nil client")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	c.log.Debug("backend request", "path", path)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("backend %s: reading response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return fmt.Errorf("backend %s: status %d: %s", path, resp.StatusCode, msg)
	}

	// An empty body from a list endpoint means an empty result set.
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		preview := strings.TrimSpace(string(body))
		if len(preview) > 200 {
			preview = preview[:200]
		}
		if strings.HasPrefix(preview, "<") {
			return fmt.Errorf("backend %s: got HTML instead of JSON (status %d)", path, resp.StatusCode)
		}
		return fmt.Errorf("backend %s: invalid JSON response: %w", path, err)
	}
	return nil
}

func validateDateRange(desde, hasta string) error {
	for _, d := range []string{desde, hasta} {
		if _, err := time.Parse("2006-01-02", strings.TrimSpace(d)); err != nil {
			return fmt.Errorf("invalid date %q, want YYYY-MM-DD", d)
		}
	}
	return nil
}

// DateRangeForPeriod resolves a named period ("ultimos_3_meses", "este_año",
// "ultimo_mes", "ultimos_6_meses") into a concrete [desde, hasta] pair
// anchored at now. Unknown periods default to the last three months.
func DateRangeForPeriod(period string, now time.Time) (string, string) {
	p := strings.ToLower(strings.TrimSpace(period))
	hasta := now.Format("2006-01-02")
	switch {
	case strings.Contains(p, "este_año"), strings.Contains(p, "este año"), strings.Contains(p, "this year"):
		return fmt.Sprintf("%d-01-01", now.Year()), hasta
	case strings.Contains(p, "ultimo_mes"), strings.Contains(p, "último mes"), strings.Contains(p, "last month"):
		return now.AddDate(0, 0, -30).Format("2006-01-02"), hasta
	case strings.Contains(p, "ultimos_6_meses"), strings.Contains(p, "últimos 6 meses"), strings.Contains(p, "last 6 months"):
		return now.AddDate(0, 0, -180).Format("2006-01-02"), hasta
	default:
		return now.AddDate(0, 0, -90).Format("2006-01-02"), hasta
	}
}
