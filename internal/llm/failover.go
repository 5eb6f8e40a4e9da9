package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrNoProviders is returned by New when neither provider has an API key.
var ErrNoProviders = errors.New("llm: no reasoning provider configured")

// Options configures the reasoner. A provider is enabled when its API key
// is non-empty.
type Options struct {
	Logger *slog.Logger

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	AnthropicAPIKey  string
	AnthropicBaseURL string
	AnthropicModel   string
}

// Reasoner invokes a preferred provider and fails over to the other one
// exactly once per invocation. It holds no session state; the caller keeps
// the provider that answered and passes it back as preferred next time,
// which is what makes a failover sticky.
type Reasoner struct {
	log       *slog.Logger
	providers map[ProviderID]Provider
}

func New(opts Options) (*Reasoner, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	providers := make(map[ProviderID]Provider, 2)
	if strings.TrimSpace(opts.OpenAIAPIKey) != "" {
		model := strings.TrimSpace(opts.OpenAIModel)
		if model == "" {
			model = "gpt-4o"
		}
		providers[ProviderOpenAI] = newOpenAIProvider(opts.OpenAIAPIKey, opts.OpenAIBaseURL, model)
	}
	if strings.TrimSpace(opts.AnthropicAPIKey) != "" {
		model := strings.TrimSpace(opts.AnthropicModel)
		if model == "" {
			model = "claude-sonnet-4-5"
		}
		providers[ProviderAnthropic] = newAnthropicProvider(opts.AnthropicAPIKey, opts.AnthropicBaseURL, model)
	}
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	return &Reasoner{log: log, providers: providers}, nil
}

// DefaultProvider is the provider a fresh session starts with.
func (r *Reasoner) DefaultProvider() ProviderID {
	if r == nil {
		return ProviderOpenAI
	}
	if _, ok := r.providers[ProviderOpenAI]; ok {
		return ProviderOpenAI
	}
	return ProviderAnthropic
}

// Available reports whether a provider is configured.
func (r *Reasoner) Available(id ProviderID) bool {
	if r == nil {
		return false
	}
	_, ok := r.providers[id]
	return ok
}

// Invoke runs one reasoning turn on the preferred provider, retrying the
// other configured provider once on failure. It returns the provider that
// actually answered; callers keep that as their preference so a switch
// persists for the rest of the session. When both providers fail the error
// carries both causes.
func (r *Reasoner) Invoke(ctx context.Context, preferred ProviderID, req Request) (Reply, ProviderID, error) {
	if r == nil || len(r.providers) == 0 {
		return Reply{}, "", ErrNoProviders
	}
	primary, ok := r.providers[preferred]
	if !ok {
		preferred = r.DefaultProvider()
		primary = r.providers[preferred]
	}

	reply, primaryErr := primary.Invoke(ctx, req)
	if primaryErr == nil {
		return r.sanitizeReply(primary.ID(), req, reply), primary.ID(), nil
	}

	secondary := r.other(preferred)
	if secondary == nil {
		return Reply{}, "", fmt.Errorf("provider %s failed with no fallback: %w", preferred, primaryErr)
	}
	r.log.Warn("reasoning provider failed, switching",
		"from", string(primary.ID()), "to", string(secondary.ID()), "error", primaryErr)

	reply, secondaryErr := secondary.Invoke(ctx, req)
	if secondaryErr != nil {
		return Reply{}, "", fmt.Errorf("both providers failed: %w", errors.Join(
			fmt.Errorf("%s: %w", primary.ID(), primaryErr),
			fmt.Errorf("%s: %w", secondary.ID(), secondaryErr),
		))
	}
	return r.sanitizeReply(secondary.ID(), req, reply), secondary.ID(), nil
}

func (r *Reasoner) other(id ProviderID) Provider {
	for pid, p := range r.providers {
		if pid != id {
			return p
		}
	}
	return nil
}

// sanitizeReply drops malformed capability calls instead of letting them
// reach the executor: empty names, and names that were never offered to
// the provider in this request.
func (r *Reasoner) sanitizeReply(from ProviderID, req Request, reply Reply) Reply {
	if len(reply.Calls) == 0 {
		return reply
	}
	offered := make(map[string]bool, len(req.Capabilities))
	for _, def := range req.Capabilities {
		offered[def.Name] = true
	}
	kept := reply.Calls[:0]
	for _, call := range reply.Calls {
		name := strings.TrimSpace(call.Name)
		if name == "" || !offered[name] {
			r.log.Warn("dropping malformed capability call",
				"provider", string(from), "name", call.Name, "call_id", call.ID)
			continue
		}
		kept = append(kept, call)
	}
	reply.Calls = kept
	return reply
}
