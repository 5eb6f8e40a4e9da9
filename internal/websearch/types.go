package websearch

import "strings"

const (
	ProviderBrave = "brave"
)

type SearchRequest struct {
	Query string
	Count int
}

func (r SearchRequest) Normalize() SearchRequest {
	out := r
	out.Query = strings.TrimSpace(out.Query)
	if out.Count <= 0 {
		out.Count = 5
	}
	if out.Count > 10 {
		out.Count = 10
	}
	return out
}

type ResultItem struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

type SearchResult struct {
	Provider string       `json:"provider"`
	Query    string       `json:"query"`
	Results  []ResultItem `json:"results"`
}

// ExchangeRate is the best-effort exchange-rate lookup outcome. Rate is nil
// when no numeric rate could be extracted from the search snippets.
type ExchangeRate struct {
	CurrencyFrom string   `json:"currency_from"`
	CurrencyTo   string   `json:"currency_to"`
	Date         string   `json:"date"`
	Rate         *float64 `json:"rate"`
	Source       string   `json:"source,omitempty"`
	Snippet      string   `json:"snippet,omitempty"`
}

// CompanyInfo is the public company verification outcome.
type CompanyInfo struct {
	CompanyName string   `json:"company_name"`
	NIFVAT      string   `json:"nif_vat,omitempty"`
	Address     string   `json:"address,omitempty"`
	Website     string   `json:"website,omitempty"`
	Snippets    []string `json:"snippets"`
	Sources     []string `json:"sources"`
	Found       bool     `json:"found"`
}
