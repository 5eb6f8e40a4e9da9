// Package llm drives the reasoning turns of the query agent against a
// hosted model provider. Two providers are supported (OpenAI Responses and
// Anthropic Messages); a thin failover layer retries the other provider
// once when the preferred one fails and reports which provider answered so
// the session can stick with it.
package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/modeloshacienda/consulta-agent/internal/capability"
)

// ProviderID tags a concrete reasoning backend.
type ProviderID string

const (
	ProviderOpenAI    ProviderID = "openai"
	ProviderAnthropic ProviderID = "anthropic"
)

// Role of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ActionCall is a capability invocation requested by the model.
type ActionCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Turn is one entry of the session conversation. Assistant turns may carry
// capability calls; tool turns carry the payload produced for one call.
type Turn struct {
	Role  Role
	Text  string
	Calls []ActionCall

	// Set on tool turns only.
	CallID   string
	CallName string
	Payload  json.RawMessage
}

// Request is a single reasoning invocation.
type Request struct {
	System          string
	Turns           []Turn
	Capabilities    []capability.Descriptor
	MaxOutputTokens int64
	Temperature     *float64
	// JSONOnly asks the provider for a bare JSON object response where the
	// API supports it (OpenAI). Anthropic is steered through the prompt.
	JSONOnly bool
}

// Reply is what the provider produced for one invocation.
type Reply struct {
	Text         string
	Calls        []ActionCall
	FinishReason string
}

// Provider is one concrete reasoning backend.
type Provider interface {
	ID() ProviderID
	Invoke(ctx context.Context, req Request) (Reply, error)
}

// sanitizeProviderToolName maps a capability name onto the identifier
// alphabet both provider APIs accept.
func sanitizeProviderToolName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var sb strings.Builder
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z':
			sb.WriteRune(ch)
		case ch >= 'A' && ch <= 'Z':
			sb.WriteRune(ch)
		case ch >= '0' && ch <= '9':
			sb.WriteRune(ch)
		case ch == '_' || ch == '-':
			sb.WriteRune(ch)
		default:
			sb.WriteRune('_')
		}
	}
	out := strings.Trim(sb.String(), "_-")
	if out == "" {
		return "tool"
	}
	return out
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
