package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"

	"github.com/modeloshacienda/consulta-agent/internal/capability"
)

const defaultMaxOutputTokens = 4096

type openAIProvider struct {
	client openai.Client
	model  string
}

func newOpenAIProvider(apiKey, baseURL, model string) *openAIProvider {
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &openAIProvider{client: openai.NewClient(opts...), model: strings.TrimSpace(model)}
}

func (p *openAIProvider) ID() ProviderID { return ProviderOpenAI }

func (p *openAIProvider) Invoke(ctx context.Context, req Request) (Reply, error) {
	if p == nil {
		return Reply{}, errors.New("nil provider")
	}
	if p.model == "" {
		return Reply{}, errors.New("missing model")
	}

	params := oresponses.ResponseNewParams{
		Model:             oshared.ResponsesModel(p.model),
		MaxOutputTokens:   openai.Int(defaultMaxOutputTokens),
		ParallelToolCalls: openai.Bool(false),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(req.MaxOutputTokens)
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.JSONOnly {
		obj := oshared.NewResponseFormatJSONObjectParam()
		params.Text = oresponses.ResponseTextConfigParam{
			Format: oresponses.ResponseFormatTextConfigUnionParam{OfJSONObject: &obj},
		}
	}

	items := buildOpenAIInput(req.Turns)
	if len(items) == 0 {
		items = append(items, oresponses.ResponseInputItemParamOfMessage("Continuar.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: items}
	if sys := strings.TrimSpace(req.System); sys != "" {
		params.Instructions = openai.String(sys)
	}
	tools, aliasToReal := buildOpenAITools(req.Capabilities)
	if len(tools) > 0 {
		params.Tools = tools
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return Reply{}, fmt.Errorf("openai responses: %w", err)
	}

	reply := Reply{
		Text:         strings.TrimSpace(extractOpenAIResponseText(*resp)),
		FinishReason: mapOpenAIStatus(resp.Status),
	}
	for _, item := range resp.Output {
		if strings.TrimSpace(item.Type) != "function_call" {
			continue
		}
		callID := strings.TrimSpace(item.CallID)
		if callID == "" {
			callID = strings.TrimSpace(item.ID)
		}
		if callID == "" {
			callID = fmt.Sprintf("openai_call_%d", len(reply.Calls)+1)
		}
		toolName := strings.TrimSpace(item.Name)
		if realName, ok := aliasToReal[toolName]; ok {
			toolName = realName
		}
		args := map[string]any{}
		if raw := strings.TrimSpace(item.Arguments); raw != "" {
			_ = json.Unmarshal([]byte(raw), &args)
		}
		reply.Calls = append(reply.Calls, ActionCall{ID: callID, Name: toolName, Args: args})
	}
	if len(reply.Calls) > 0 {
		reply.FinishReason = "tool_calls"
	}
	return reply, nil
}

func buildOpenAIInput(turns []Turn) oresponses.ResponseInputParam {
	items := make(oresponses.ResponseInputParam, 0, len(turns)+2)
	assistantMsgSeq := 0
	for _, turn := range turns {
		switch turn.Role {
		case RoleTool:
			callID := strings.TrimSpace(turn.CallID)
			if callID == "" {
				continue
			}
			output := strings.TrimSpace(turn.Text)
			if output == "" && len(turn.Payload) > 0 {
				output = string(turn.Payload)
			}
			items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(callID, output))
		case RoleAssistant:
			if txt := strings.TrimSpace(turn.Text); txt != "" {
				assistantMsgSeq++
				// Output message IDs must start with "msg_".
				items = append(items, oresponses.ResponseInputItemParamOfOutputMessage(
					[]oresponses.ResponseOutputMessageContentUnionParam{{
						OfOutputText: &oresponses.ResponseOutputTextParam{
							Text:        txt,
							Annotations: []oresponses.ResponseOutputTextAnnotationUnionParam{},
						},
					}},
					fmt.Sprintf("msg_hist%d", assistantMsgSeq),
					oresponses.ResponseOutputMessageStatusCompleted,
				))
			}
			for _, call := range turn.Calls {
				callID := strings.TrimSpace(call.ID)
				name := sanitizeProviderToolName(call.Name)
				if callID == "" || name == "" {
					continue
				}
				argsRaw := "{}"
				if len(call.Args) > 0 {
					if b, err := json.Marshal(call.Args); err == nil {
						argsRaw = string(b)
					}
				}
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(argsRaw, callID, name))
			}
		default:
			if txt := strings.TrimSpace(turn.Text); txt != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleUser))
			}
		}
	}
	return items
}

func buildOpenAITools(defs []capability.Descriptor) ([]oresponses.ToolUnionParam, map[string]string) {
	out := make([]oresponses.ToolUnionParam, 0, len(defs))
	aliasToReal := make(map[string]string, len(defs))
	for _, def := range defs {
		if strings.TrimSpace(def.Name) == "" {
			continue
		}
		schema := map[string]any{}
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &schema)
		}
		alias := sanitizeProviderToolName(def.Name)
		out = append(out, oresponses.ToolParamOfFunction(alias, schema, false))
		aliasToReal[alias] = def.Name
	}
	return out, aliasToReal
}

func extractOpenAIResponseText(resp oresponses.Response) string {
	var sb strings.Builder
	for _, item := range resp.Output {
		if strings.TrimSpace(item.Type) != "message" {
			continue
		}
		msg := item.AsMessage()
		for _, part := range msg.Content {
			if strings.TrimSpace(part.Type) != "output_text" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(strings.TrimSpace(part.Text))
		}
	}
	return sb.String()
}

func mapOpenAIStatus(status oresponses.ResponseStatus) string {
	switch strings.TrimSpace(strings.ToLower(string(status))) {
	case "completed":
		return "stop"
	case "incomplete":
		return "length"
	case "failed", "cancelled":
		return "error"
	default:
		return "unknown"
	}
}
