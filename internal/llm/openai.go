package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"ema/internal/models"
	"ema/internal/retry"
)

// OpenAIClient talks to an OpenAI-compatible chat completions endpoint over
// raw net/http, grounded on the teacher's agent-chat proxy pattern (rewrite
// model field, POST {baseURL}/chat/completions, Bearer auth).
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	retryPolicy retry.Policy
}

// NewOpenAIClient builds a client against baseURL (no trailing slash) using
// apiKey as the bearer token and model as the default model field.
func NewOpenAIClient(baseURL, apiKey, model string, retryPolicy retry.Policy) *OpenAIClient {
	return &OpenAIClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		retryPolicy: retryPolicy,
	}
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	Name       string           `json:"name,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiToolCall struct {
	ID       string              `json:"id"`
	Type     string              `json:"type"`
	Function openaiToolCallFunc  `json:"function"`
}

type openaiToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiToolDef struct {
	Type     string            `json:"type"`
	Function openaiToolDefBody `json:"function"`
}

type openaiToolDefBody struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiRequest struct {
	Model    string          `json:"model"`
	Messages []openaiMessage `json:"messages"`
	Tools    []openaiToolDef `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openaiToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Generate implements Client by wrapping a single HTTP round trip with the
// shared retry policy.
func (c *OpenAIClient) Generate(ctx context.Context, messages []models.Message, tools []models.Tool, systemPrompt string) (*Response, error) {
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

func (c *OpenAIClient) doGenerate(ctx context.Context, messages []models.Message, tools []models.Tool, systemPrompt string) (*Response, error) {
	req := openaiRequest{
		Model:    c.model,
		Messages: toOpenAIMessages(messages, systemPrompt),
		Tools:    toOpenAIToolDefs(tools),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("openai: status %d: %s", httpResp.StatusCode, errBody)
	}

	var parsed openaiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("openai: no choices in response")
	}

	choice := parsed.Choices[0]
	msg := models.Message{Role: models.RoleModel}
	if choice.Message.Content != "" {
		msg.Contents = []models.Content{models.TextContent(choice.Message.Content)}
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}

	out := &Response{Message: msg, FinishReason: choice.FinishReason}
	if parsed.Usage != nil {
		out.TotalTokens = parsed.Usage.TotalTokens
	}
	return out, nil
}

func toOpenAIMessages(messages []models.Message, systemPrompt string) []openaiMessage {
	out := make([]openaiMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, openaiMessage{Role: "system", Content: systemPrompt})
	}
	for _, m := range messages {
		switch m.Role {
		case models.RoleUser:
			out = append(out, openaiMessage{Role: "user", Content: models.RenderText(m.Contents)})
		case models.RoleModel:
			om := openaiMessage{Role: "assistant", Content: models.RenderText(m.Contents)}
			for _, tc := range m.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				om.ToolCalls = append(om.ToolCalls, openaiToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openaiToolCallFunc{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			out = append(out, om)
		case models.RoleTool:
			content := ""
			if m.Result != nil {
				if m.Result.Success {
					content = m.Result.Content
				} else {
					content = "error: " + m.Result.Error
				}
			}
			out = append(out, openaiMessage{
				Role:       "tool",
				ToolCallID: m.ID,
				Name:       m.Name,
				Content:    content,
			})
		}
	}
	return out
}

func toOpenAIToolDefs(tools []models.Tool) []openaiToolDef {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openaiToolDef, 0, len(tools))
	for _, t := range tools {
		out = append(out, openaiToolDef{
			Type: "function",
			Function: openaiToolDefBody{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return out
}
