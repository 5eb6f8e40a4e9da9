// Package websearch provides the agent's external lookup capabilities:
// generic web search plus the exchange-rate and company-verification
// helpers built on top of it.
package websearch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Client performs web lookups through one configured search provider.
type Client struct {
	log        *slog.Logger
	provider   string
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

type Options struct {
	Logger *slog.Logger

	// Provider selects the search backend. Only "brave" is supported.
	Provider string

	// APIKey is the search provider subscription key.
	APIKey string

	// Endpoint overrides the provider's API endpoint.
	Endpoint string
}

func New(opts Options) (*Client, error) {
	provider := strings.ToLower(strings.TrimSpace(opts.Provider))
	if provider == "" {
		provider = ProviderBrave
	}
	if provider != ProviderBrave {
		return nil, fmt.Errorf("unsupported web search provider %q", provider)
	}
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("missing web search api key")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		endpoint = defaultBraveEndpoint
	}
	return &Client{
		log:        logger,
		provider:   provider,
		apiKey:     strings.TrimSpace(opts.APIKey),
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (c *Client) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	if c == nil {
		return SearchResult{}, errors.New("nil client")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req = req.Normalize()
	if req.Query == "" {
		return SearchResult{}, errors.New("missing query")
	}
	res, err := c.braveSearch(ctx, req)
	if err != nil {
		return SearchResult{}, err
	}
	c.log.Debug("web search completed", "query", req.Query, "results", len(res.Results))
	return res, nil
}

var ratePattern = regexp.MustCompile(`(?i)(\d+[.,]?\d*)\s*(?:usd|eur|gbp|jpy|chf)`)

// SearchExchangeRate looks up the rate between two currencies via web search.
// Extraction is best-effort: when no numeric rate can be recovered from the
// snippets, the result carries a nil Rate alongside the source snippet.
func (c *Client) SearchExchangeRate(ctx context.Context, from, to, date string) (ExchangeRate, error) {
	if c == nil {
		return ExchangeRate{}, errors.New("nil client")
	}
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if from == "" || to == "" {
		return ExchangeRate{}, errors.New("missing currency code")
	}
	date = strings.TrimSpace(date)

	query := fmt.Sprintf("tipo de cambio %s %s hoy", from, to)
	if date != "" {
		query = fmt.Sprintf("tipo de cambio %s %s %s", from, to, date)
	}

	res, err := c.Search(ctx, SearchRequest{Query: query, Count: 3})
	if err != nil {
		return ExchangeRate{}, err
	}
	if len(res.Results) == 0 {
		return ExchangeRate{}, fmt.Errorf("no exchange rate information found for %s/%s", from, to)
	}

	out := ExchangeRate{
		CurrencyFrom: from,
		CurrencyTo:   to,
		Date:         date,
	}
	if out.Date == "" {
		out.Date = time.Now().Format("2006-01-02")
	}

	first := res.Results[0]
	out.Source = first.URL
	out.Snippet = truncate(first.Snippet, 200)

	matches := ratePattern.FindAllStringSubmatch(strings.ToLower(first.Snippet), -1)
	if len(matches) >= 2 {
		v1, err1 := strconv.ParseFloat(strings.ReplaceAll(matches[0][1], ",", "."), 64)
		v2, err2 := strconv.ParseFloat(strings.ReplaceAll(matches[1][1], ",", "."), 64)
		if err1 == nil && err2 == nil && v1 != 0 && v2 != 0 {
			rate := v2 / v1
			if from != "EUR" || to == "EUR" {
				rate = v1 / v2
			}
			out.Rate = &rate
		}
	}

	c.log.Debug("exchange rate lookup", "from", from, "to", to, "found", out.Rate != nil)
	return out, nil
}

var (
	nifPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b([A-Z]\d{8})\b`),
		regexp.MustCompile(`\b(ES[A-Z]\d{8})\b`),
		regexp.MustCompile(`(?i)VAT[:\s]+([A-Z]{2}?\d{8,9})`),
		regexp.MustCompile(`(?i)NIF[:\s]+([A-Z]?\d{8,9})`),
	}
	addressPattern = regexp.MustCompile(`(?i)(Calle|Avenida|Av\.|Plaza|Paseo)[\s\w,]+(?:Madrid|Barcelona|Valencia|Sevilla|España)`)
	websitePattern = regexp.MustCompile(`https?://(?:www\.)?[a-zA-Z0-9-]+\.[a-zA-Z]{2,}`)
)

// VerifyCompanyInfo searches public sources for a company's tax id, address
// and website. Absent information is reported as empty fields, not errors.
func (c *Client) VerifyCompanyInfo(ctx context.Context, companyName, country string) (CompanyInfo, error) {
	if c == nil {
		return CompanyInfo{}, errors.New("nil client")
	}
	companyName = strings.TrimSpace(companyName)
	if companyName == "" {
		return CompanyInfo{}, errors.New("missing company name")
	}

	query := fmt.Sprintf("%s NIF VAT información empresa", companyName)
	if country = strings.TrimSpace(country); country != "" {
		query = fmt.Sprintf("%s %s NIF VAT información empresa", companyName, country)
	}

	res, err := c.Search(ctx, SearchRequest{Query: query, Count: 5})
	if err != nil {
		return CompanyInfo{}, err
	}

	out := CompanyInfo{CompanyName: companyName, Snippets: []string{}, Sources: []string{}}
	if len(res.Results) == 0 {
		return out, nil
	}
	out.Found = true

	for i, item := range res.Results {
		if i < 3 {
			out.Snippets = append(out.Snippets, item.Snippet)
			out.Sources = append(out.Sources, item.URL)
		}
		if out.NIFVAT == "" {
			out.NIFVAT = extractNIF(item.Snippet)
		}
		if out.Address == "" {
			out.Address = addressPattern.FindString(item.Snippet)
		}
		if out.Website == "" {
			out.Website = websitePattern.FindString(item.URL)
		}
	}

	c.log.Debug("company verification", "company", companyName, "nif_found", out.NIFVAT != "")
	return out, nil
}

func extractNIF(snippet string) string {
	for _, p := range nifPatterns {
		if m := p.FindStringSubmatch(snippet); len(m) >= 2 {
			return strings.ToUpper(m[1])
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
