package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/hyperjump/aichat/internal/models"
)

// maxStreamToolCalls bounds the tool call index accepted from a stream delta.
const maxStreamToolCalls = 128

// OpenAIClient speaks the OpenAI chat completions protocol. It serves openai,
// openrouter, xai, ollama, lmstudio and llamacpp.
type OpenAIClient struct {
	name    string
	apiKey  string
	model   string
	baseURL string
	opts    clientOptions
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint. name is
// the provider id used in errors and call records.
func NewOpenAIClient(name, apiKey, model, baseURL string, opts ...Option) *OpenAIClient {
	return &OpenAIClient{
		name:    name,
		apiKey:  apiKey,
		model:   model,
		baseURL: BaseURL(name, baseURL),
		opts:    buildOptions(opts),
	}
}

type oaRequest struct {
	Model             string      `json:"model"`
	Messages          []oaMessage `json:"messages"`
	Tools             []oaTool    `json:"tools,omitempty"`
	ToolChoice        string      `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool       `json:"parallel_tool_calls,omitempty"`
	Stream            bool        `json:"stream,omitempty"`
	MaxTokens         int         `json:"max_tokens,omitempty"`
	Temperature       *float64    `json:"temperature,omitempty"`
	TopP              *float64    `json:"top_p,omitempty"`
}

type oaMessage struct {
	Role       string       `json:"role"`
	Content    any          `json:"content"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	Name       string       `json:"name,omitempty"`
}

type oaToolCall struct {
	Index    *int           `json:"index,omitempty"`
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function oaFunctionCall `json:"function"`
}

type oaFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type oaTool struct {
	Type     string     `json:"type"`
	Function oaFunction `json:"function"`
}

type oaFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type oaResponse struct {
	Choices []struct {
		Message *struct {
			Content   *string      `json:"content"`
			ToolCalls []oaToolCall `json:"tool_calls"`
		} `json:"message"`
		Delta *struct {
			Content   string       `json:"content"`
			ToolCalls []oaToolCall `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
}

func toOpenAIMessages(msgs []models.Message) []oaMessage {
	out := make([]oaMessage, 0, len(msgs))
	for _, m := range msgs {
		om := oaMessage{Role: string(m.Role), ToolCallID: m.ToolCallID, Name: m.Name}
		switch {
		case len(m.Parts) > 0:
			om.Content = m.Parts
		case m.Content != "" || len(m.ToolCalls) == 0:
			om.Content = m.Content
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, oaToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: oaFunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments.String()},
			})
		}
		out = append(out, om)
	}
	return out
}

func (c *OpenAIClient) buildRequest(msgs []models.Message, tools []models.ToolDefinition, opts ChatOptions, stream bool) oaRequest {
	req := oaRequest{
		Model:       c.model,
		Messages:    toOpenAIMessages(msgs),
		Stream:      stream,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
	}
	if len(tools) > 0 {
		parallel := true
		req.ToolChoice = "auto"
		req.ParallelToolCalls = &parallel
		for _, t := range tools {
			req.Tools = append(req.Tools, oaTool{
				Type:     "function",
				Function: oaFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
			})
		}
	}
	return req
}

func (c *OpenAIClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	if err := c.opts.waitTurn(ctx); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.opts.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &HTTPError{Provider: c.name, Status: resp.StatusCode, Body: string(b)}
	}
	return resp, nil
}

// ChatCompletion sends a non-streaming request.
func (c *OpenAIClient) ChatCompletion(ctx context.Context, msgs []models.Message, tools []models.ToolDefinition, opts ChatOptions) (models.Message, error) {
	req := c.buildRequest(msgs, tools, opts, false)
	rec := CallRecord{SessionID: opts.SessionID, Provider: c.name, Method: "chat_completion", URL: c.baseURL + "/chat/completions", Request: req}

	resp, err := c.post(ctx, "/chat/completions", req)
	if err != nil {
		c.opts.record(ctx, failed(rec, err))
		return models.Message{}, err
	}
	defer resp.Body.Close()

	var parsed oaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		err = fmt.Errorf("%s: decode response: %w", c.name, err)
		c.opts.record(ctx, failed(rec, err))
		return models.Message{}, err
	}
	out := models.Message{Role: models.RoleAssistant}
	if len(parsed.Choices) > 0 && parsed.Choices[0].Message != nil {
		msg := parsed.Choices[0].Message
		if msg.Content != nil {
			out.Content = *msg.Content
		}
		for _, tc := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, toToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
		}
	}
	rec.Status, rec.Success, rec.Response = http.StatusOK, true, out
	c.opts.record(ctx, rec)
	return out, nil
}

// StreamChatCompletion streams text deltas to onChunk and accumulates tool
// calls by index.
func (c *OpenAIClient) StreamChatCompletion(ctx context.Context, msgs []models.Message, tools []models.ToolDefinition, opts ChatOptions, onChunk func(string) error) (models.Message, error) {
	req := c.buildRequest(msgs, tools, opts, true)
	rec := CallRecord{SessionID: opts.SessionID, Provider: c.name, Method: "chat_completion_stream", URL: c.baseURL + "/chat/completions", Request: req}

	resp, err := c.post(ctx, "/chat/completions", req)
	if err != nil {
		c.opts.record(ctx, failed(rec, err))
		return models.Message{}, err
	}
	defer resp.Body.Close()

	out, err := readOpenAIStream(resp.Body, onChunk)
	if err != nil {
		c.opts.record(ctx, failed(rec, err))
		return models.Message{}, err
	}
	rec.Status, rec.Success, rec.Response = http.StatusOK, true, out
	c.opts.record(ctx, rec)
	return out, nil
}

type partialToolCall struct {
	id   string
	name string
	args strings.Builder
}

// readOpenAIStream consumes "data: {...}" lines until "data: [DONE]" or EOF.
func readOpenAIStream(body io.Reader, onChunk func(string) error) (models.Message, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var content strings.Builder
	var calls []*partialToolCall

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk oaResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if onChunk != nil {
				if err := onChunk(delta.Content); err != nil {
					return models.Message{}, err
				}
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := len(calls)
			if tc.Index != nil {
				idx = *tc.Index
			}
			if idx < 0 || idx >= maxStreamToolCalls {
				continue
			}
			for len(calls) <= idx {
				calls = append(calls, &partialToolCall{})
			}
			p := calls[idx]
			if tc.ID != "" {
				p.id = tc.ID
			}
			p.name += tc.Function.Name
			p.args.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return models.Message{}, err
	}

	out := models.Message{Role: models.RoleAssistant, Content: content.String()}
	for _, p := range calls {
		if p.name == "" && p.args.Len() == 0 {
			continue
		}
		out.ToolCalls = append(out.ToolCalls, toToolCall(p.id, p.name, p.args.String()))
	}
	return out, nil
}

func toToolCall(id, name, args string) models.ToolCall {
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	return models.ToolCall{
		ID:       id,
		Function: models.FunctionCall{Name: name, Arguments: models.ArgumentsFromString(args)},
	}
}

// CheckHealth sends a tiny completion and reports whether it succeeded.
func (c *OpenAIClient) CheckHealth(ctx context.Context) bool {
	_, err := c.ChatCompletion(ctx, []models.Message{{Role: models.RoleUser, Content: "ping"}}, nil, ChatOptions{MaxTokens: 5})
	return err == nil
}

func failed(rec CallRecord, err error) CallRecord {
	rec.Success = false
	rec.Error = err.Error()
	rec.Response = map[string]string{"error": err.Error()}
	rec.Status = http.StatusInternalServerError
	if he, ok := err.(*HTTPError); ok {
		rec.Status = he.Status
	}
	return rec
}
