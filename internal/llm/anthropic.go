package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/modeloshacienda/consulta-agent/internal/capability"
)

type anthropicProvider struct {
	client anthropic.Client
	model  string
}

func newAnthropicProvider(apiKey, baseURL, model string) *anthropicProvider {
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &anthropicProvider{client: anthropic.NewClient(opts...), model: strings.TrimSpace(model)}
}

func (p *anthropicProvider) ID() ProviderID { return ProviderAnthropic }

func (p *anthropicProvider) Invoke(ctx context.Context, req Request) (Reply, error) {
	if p == nil {
		return Reply{}, errors.New("nil provider")
	}
	if p.model == "" {
		return Reply{}, errors.New("missing model")
	}

	tools, aliasToReal := buildAnthropicTools(req.Capabilities)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: defaultMaxOutputTokens,
		Messages:  buildAnthropicMessages(req.Turns),
		Tools:     tools,
	}
	if req.MaxOutputTokens > 0 {
		params.MaxTokens = req.MaxOutputTokens
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	system := strings.TrimSpace(req.System)
	if req.JSONOnly {
		// The Messages API has no response-format knob; steer via the prompt.
		if system != "" {
			system += "\n\n"
		}
		system += "Responde únicamente con un objeto JSON válido, sin texto adicional."
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Reply{}, fmt.Errorf("anthropic messages: %w", err)
	}

	var reply Reply
	var textBuf strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			if txt := strings.TrimSpace(b.Text); txt != "" {
				if textBuf.Len() > 0 {
					textBuf.WriteString("\n")
				}
				textBuf.WriteString(txt)
			}
		case anthropic.ToolUseBlock:
			callID := strings.TrimSpace(b.ID)
			if callID == "" {
				callID = fmt.Sprintf("anthropic_call_%d", len(reply.Calls)+1)
			}
			toolName := strings.TrimSpace(b.Name)
			if realName, ok := aliasToReal[toolName]; ok {
				toolName = realName
			}
			args := map[string]any{}
			if len(b.Input) > 0 {
				_ = json.Unmarshal(b.Input, &args)
			}
			reply.Calls = append(reply.Calls, ActionCall{ID: callID, Name: toolName, Args: args})
		}
	}
	reply.Text = textBuf.String()
	reply.FinishReason = mapAnthropicStopReason(msg.StopReason)
	if len(reply.Calls) > 0 {
		reply.FinishReason = "tool_calls"
	}
	return reply, nil
}

func buildAnthropicMessages(turns []Turn) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(turns)+1)
	for _, turn := range turns {
		switch turn.Role {
		case RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(turn.Calls)+1)
			if txt := strings.TrimSpace(turn.Text); txt != "" {
				blocks = append(blocks, anthropic.NewTextBlock(txt))
			}
			for _, call := range turn.Calls {
				callID := strings.TrimSpace(call.ID)
				name := sanitizeProviderToolName(call.Name)
				if callID == "" || name == "" {
					continue
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{ID: callID, Input: cloneAnyMap(call.Args), Name: name},
				})
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case RoleTool:
			callID := strings.TrimSpace(turn.CallID)
			if callID == "" {
				continue
			}
			content := strings.TrimSpace(turn.Text)
			if content == "" && len(turn.Payload) > 0 {
				content = string(turn.Payload)
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(callID, content, false)))
		default:
			if txt := strings.TrimSpace(turn.Text); txt != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(txt)))
			}
		}
	}
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continuar.")))
	}
	return out
}

func buildAnthropicTools(defs []capability.Descriptor) ([]anthropic.ToolUnionParam, map[string]string) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	aliasToReal := make(map[string]string, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		schemaMap := map[string]any{}
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &schemaMap)
		}
		required, _ := toStringSlice(schemaMap["required"])
		param := anthropic.ToolParam{
			Name:        sanitizeProviderToolName(name),
			Description: anthropic.String(strings.TrimSpace(def.Description)),
			InputSchema: anthropic.ToolInputSchemaParam{Type: "object", Properties: schemaMap["properties"], Required: required},
		}
		aliasToReal[sanitizeProviderToolName(name)] = name
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out, aliasToReal
}

func mapAnthropicStopReason(reason anthropic.StopReason) string {
	switch strings.TrimSpace(strings.ToLower(string(reason))) {
	case "tool_use":
		return "tool_calls"
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "refusal":
		return "content_filter"
	default:
		return "unknown"
	}
}

func toStringSlice(raw any) ([]string, bool) {
	switch v := raw.(type) {
	case []string:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := strings.TrimSpace(item); s != "" {
				out = append(out, s)
			}
		}
		return out, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, _ := item.(string)
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}
