package websearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSearchRequestNormalize(t *testing.T) {
	t.Parallel()

	r := SearchRequest{Query: "  Amazon España NIF  ", Count: 0}.Normalize()
	if r.Query != "Amazon España NIF" {
		t.Fatalf("Query=%q", r.Query)
	}
	if r.Count != 5 {
		t.Fatalf("Count=%d, want 5", r.Count)
	}
	r = SearchRequest{Query: "x", Count: 50}.Normalize()
	if r.Count != 10 {
		t.Fatalf("Count=%d, want capped at 10", r.Count)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{APIKey: ""}); err == nil {
		t.Fatalf("New accepted missing api key")
	}
	if _, err := New(Options{Provider: "duckduckgo", APIKey: "k"}); err == nil {
		t.Fatalf("New accepted unsupported provider")
	}
	c, err := New(Options{APIKey: "k"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.provider != ProviderBrave {
		t.Fatalf("provider=%q, want brave default", c.provider)
	}
}

func TestSearchAgainstFakeProvider(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Subscription-Token"); got != "k" {
			t.Errorf("token=%q, want k", got)
		}
		q := r.URL.Query()
		if q.Get("q") != "amazon nif" || q.Get("count") != "3" {
			t.Errorf("q=%q count=%q", q.Get("q"), q.Get("count"))
		}
		_, _ = w.Write([]byte(`{"web":{"results":[
			{"title":"Amazon Spain","url":"https://example.com/a","description":"NIF B84570936"},
			{"title":"","url":"https://example.com/b","description":"sin título"},
			{"title":"vacío","url":"","description":"descartado"}
		]}}`))
	}))
	t.Cleanup(srv.Close)

	c, err := New(Options{APIKey: "k", Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := c.Search(context.Background(), SearchRequest{Query: "amazon nif", Count: 3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Results) != 2 {
		t.Fatalf("len(Results)=%d, want 2 (empty URL dropped)", len(res.Results))
	}
	if res.Results[1].Title != "https://example.com/b" {
		t.Fatalf("Title=%q, want URL fallback", res.Results[1].Title)
	}
}

func TestSearchProviderError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Options{APIKey: "k", Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Search(context.Background(), SearchRequest{Query: "x"})
	if err == nil {
		t.Fatal("Search succeeded on 429")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Fatalf("err=%v, want status in message", err)
	}
}

func TestExtractNIF(t *testing.T) {
	t.Parallel()

	cases := []struct {
		snippet string
		want    string
	}{
		{"Amazon Spain Services SLU, NIF: B84570936, Madrid", "B84570936"},
		{"registered VAT: ESB84570936 in Spain", "ESB84570936"},
		{"no tax id here", ""},
	}
	for _, tc := range cases {
		if got := extractNIF(tc.snippet); got != tc.want {
			t.Fatalf("extractNIF(%q)=%q, want %q", tc.snippet, got, tc.want)
		}
	}
}
