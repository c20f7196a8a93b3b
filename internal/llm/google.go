package llm

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"ema/internal/models"
	"ema/internal/retry"
)

// GoogleClient talks to the Gemini API via the generative-ai-go SDK,
// grounded on the pack's GeminiModel (client construction via
// option.WithAPIKey, GenerativeModel/StartChat/SendMessage usage).
type GoogleClient struct {
	client      *genai.Client
	model       string
	retryPolicy retry.Policy
}

// NewGoogleClient connects a genai.Client scoped to apiKey.
func NewGoogleClient(ctx context.Context, apiKey, model string, retryPolicy retry.Policy) (*GoogleClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("google llm: create client: %w", err)
	}
	return &GoogleClient{client: client, model: model, retryPolicy: retryPolicy}, nil
}

// Close releases the underlying client.
func (c *GoogleClient) Close() error {
	return c.client.Close()
}

// Generate implements Client.
func (c *GoogleClient) Generate(ctx context.Context, messages []models.Message, tools []models.Tool, systemPrompt string) (*Response, error) {
	var result *Response
	err := retry.Do(ctx, c.retryPolicy, func(ctx context.Context) error {
		resp, err := c.doGenerate(ctx, messages, tools, systemPrompt)
		if err != nil {
			return err
		}
		result = resp
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *GoogleClient) doGenerate(ctx context.Context, messages []models.Message, tools []models.Tool, systemPrompt string) (*Response, error) {
	gm := c.client.GenerativeModel(c.model)
	if systemPrompt != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
	}
	if defs := toGenaiToolDefs(tools); len(defs) > 0 {
		gm.Tools = defs
	}

	if len(messages) == 0 {
		return nil, fmt.Errorf("google llm: no messages to send")
	}

	history, last := toGenaiHistory(messages[:len(messages)-1]), messages[len(messages)-1]
	lastParts := toGenaiParts(last)

	cs := gm.StartChat()
	cs.History = history

	resp, err := cs.SendMessage(ctx, lastParts...)
	if err != nil {
		return nil, fmt.Errorf("google llm: send message: %w", err)
	}
	return fromGenaiResponse(resp)
}

func toGenaiHistory(messages []models.Message) []*genai.Content {
	var out []*genai.Content
	for _, m := range messages {
		parts := toGenaiParts(m)
		if len(parts) == 0 {
			continue
		}
		out = append(out, &genai.Content{Role: genaiRole(m.Role), Parts: parts})
	}
	return out
}

func genaiRole(role models.MessageRole) string {
	switch role {
	case models.RoleModel:
		return "model"
	default:
		return "user"
	}
}

func toGenaiParts(m models.Message) []genai.Part {
	var parts []genai.Part
	switch m.Role {
	case models.RoleUser:
		if text := models.RenderText(m.Contents); text != "" {
			parts = append(parts, genai.Text(text))
		}
	case models.RoleModel:
		if text := models.RenderText(m.Contents); text != "" {
			parts = append(parts, genai.Text(text))
		}
		for _, tc := range m.ToolCalls {
			parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: tc.Args})
		}
	case models.RoleTool:
		response := ""
		if m.Result != nil {
			if m.Result.Success {
				response = m.Result.Content
			} else {
				response = "error: " + m.Result.Error
			}
		}
		parts = append(parts, genai.FunctionResponse{
			Name: m.Name,
			Response: map[string]any{"result": response},
		})
	}
	return parts
}

func toGenaiToolDefs(tools []models.Tool) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  toGenaiSchema(t.Parameters()),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// toGenaiSchema converts the tool's plain JSON-schema-shaped map into a
// genai.Schema. The core's built-in tools only use object/string/number
// properties, so this stays deliberately narrow.
func toGenaiSchema(params map[string]any) *genai.Schema {
	schema := &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}}

	props, _ := params["properties"].(map[string]any)
	for name, rawProp := range props {
		prop, _ := rawProp.(map[string]any)
		propType, _ := prop["type"].(string)
		desc, _ := prop["description"].(string)
		schema.Properties[name] = &genai.Schema{
			Type:        genaiType(propType),
			Description: desc,
		}
	}
	if required, ok := params["required"].([]string); ok {
		schema.Required = required
	} else if rawRequired, ok := params["required"].([]any); ok {
		for _, r := range rawRequired {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	return schema
}

func genaiType(jsonType string) genai.Type {
	switch jsonType {
	case "string":
		return genai.TypeString
	case "number", "integer":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	default:
		return genai.TypeString
	}
}

func fromGenaiResponse(resp *genai.GenerateContentResponse) (*Response, error) {
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("google llm: no candidates in response")
	}
	cand := resp.Candidates[0]

	msg := models.Message{Role: models.RoleModel}
	var text string
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			switch p := part.(type) {
			case genai.Text:
				text += string(p)
			case genai.FunctionCall:
				msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
					ID:   "call-" + uuid.NewString(),
					Name: p.Name,
					Args: p.Args,
				})
			}
		}
	}
	if text != "" {
		msg.Contents = []models.Content{models.TextContent(text)}
	}

	out := &Response{Message: msg, FinishReason: fmt.Sprintf("%v", cand.FinishReason)}
	if resp.UsageMetadata != nil {
		out.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return out, nil
}
