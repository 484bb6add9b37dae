package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/hyperjump/aichat/internal/models"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicMaxTokens      = 4096
)

// AnthropicClient speaks the Anthropic Messages API.
type AnthropicClient struct {
	apiKey  string
	model   string
	baseURL string
	opts    clientOptions
}

var (
	quoteTrim = regexp.MustCompile("^['\"`]+|['\"`]+$")
	v1Suffix  = regexp.MustCompile(`(?i)/v1$`)
)

// NormalizeAnthropicBaseURL strips surrounding quotes, trailing slashes and a
// trailing /v1, since the client appends /v1/messages itself.
func NormalizeAnthropicBaseURL(u string) string {
	u = quoteTrim.ReplaceAllString(strings.TrimSpace(u), "")
	u = strings.TrimRight(u, "/")
	u = v1Suffix.ReplaceAllString(u, "")
	if u == "" {
		return anthropicDefaultBaseURL
	}
	return u
}

// NewAnthropicClient creates a Messages API client.
func NewAnthropicClient(apiKey, model, baseURL string, opts ...Option) *AnthropicClient {
	return &AnthropicClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: NormalizeAnthropicBaseURL(baseURL),
		opts:    buildOptions(opts),
	}
}

type anRequest struct {
	Model       string      `json:"model"`
	System      string      `json:"system,omitempty"`
	Messages    []anMessage `json:"messages"`
	Tools       []anTool    `json:"tools,omitempty"`
	MaxTokens   int         `json:"max_tokens"`
	Temperature *float64    `json:"temperature,omitempty"`
	TopP        *float64    `json:"top_p,omitempty"`
	Stream      bool        `json:"stream,omitempty"`
}

type anMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     any            `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	Source    *anImageSource `json:"source,omitempty"`
}

type anImageSource struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type anTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
}

// toAnthropic hoists the system prompt and converts tool traffic into
// tool_use / tool_result blocks.
func toAnthropic(msgs []models.Message) (string, []anMessage) {
	var system string
	out := make([]anMessage, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case m.Role == models.RoleSystem:
			if system == "" {
				system = m.Text()
			}
		case m.Role == models.RoleTool:
			out = append(out, anMessage{Role: "user", Content: []anBlock{{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Text(),
			}}})
		case m.Role == models.RoleAssistant && len(m.ToolCalls) > 0:
			var blocks []anBlock
			if text := m.Text(); text != "" {
				blocks = append(blocks, anBlock{Type: "text", Text: text})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Function.Arguments.Value
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anBlock{Type: "tool_use", ID: tc.ID, Name: tc.Function.Name, Input: input})
			}
			out = append(out, anMessage{Role: "assistant", Content: blocks})
		case len(m.Parts) > 0:
			blocks := make([]anBlock, 0, len(m.Parts))
			for _, p := range m.Parts {
				switch {
				case p.Type == "text":
					blocks = append(blocks, anBlock{Type: "text", Text: p.Text})
				case p.Type == "image_url" && p.ImageURL != nil && p.ImageURL.URL != "":
					blocks = append(blocks, anBlock{Type: "image", Source: &anImageSource{Type: "url", URL: p.ImageURL.URL}})
				default:
					b, _ := json.Marshal(p)
					blocks = append(blocks, anBlock{Type: "text", Text: string(b)})
				}
			}
			out = append(out, anMessage{Role: string(m.Role), Content: blocks})
		default:
			out = append(out, anMessage{Role: string(m.Role), Content: m.Content})
		}
	}
	return system, out
}

func (c *AnthropicClient) buildRequest(msgs []models.Message, tools []models.ToolDefinition, opts ChatOptions, stream bool) anRequest {
	system, messages := toAnthropic(msgs)
	req := anRequest{
		Model:       c.model,
		System:      system,
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		Stream:      stream,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = anthropicMaxTokens
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, anTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	return req
}

func (c *AnthropicClient) post(ctx context.Context, body anRequest) (*http.Response, error) {
	if err := c.opts.waitTurn(ctx); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	resp, err := c.opts.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &HTTPError{Provider: "anthropic", Status: resp.StatusCode, Body: string(b)}
	}
	return resp, nil
}

// ChatCompletion sends a non-streaming Messages request.
func (c *AnthropicClient) ChatCompletion(ctx context.Context, msgs []models.Message, tools []models.ToolDefinition, opts ChatOptions) (models.Message, error) {
	req := c.buildRequest(msgs, tools, opts, false)
	rec := CallRecord{SessionID: opts.SessionID, Provider: "anthropic", Method: "messages.create", URL: c.baseURL + "/v1/messages", Request: req}

	resp, err := c.post(ctx, req)
	if err != nil {
		c.opts.record(ctx, failed(rec, err))
		return models.Message{}, err
	}
	defer resp.Body.Close()

	var parsed anResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		err = fmt.Errorf("anthropic: decode response: %w", err)
		c.opts.record(ctx, failed(rec, err))
		return models.Message{}, err
	}
	out := models.Message{Role: models.RoleAssistant}
	var text strings.Builder
	for _, b := range parsed.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, toToolCall(b.ID, b.Name, string(b.Input)))
		}
	}
	out.Content = text.String()
	rec.Status, rec.Success, rec.Response = http.StatusOK, true, out
	c.opts.record(ctx, rec)
	return out, nil
}

// StreamChatCompletion streams text_delta events to onChunk and assembles
// tool_use blocks from input_json_delta fragments.
func (c *AnthropicClient) StreamChatCompletion(ctx context.Context, msgs []models.Message, tools []models.ToolDefinition, opts ChatOptions, onChunk func(string) error) (models.Message, error) {
	req := c.buildRequest(msgs, tools, opts, true)
	rec := CallRecord{SessionID: opts.SessionID, Provider: "anthropic", Method: "messages.stream", URL: c.baseURL + "/v1/messages", Request: req}

	resp, err := c.post(ctx, req)
	if err != nil {
		c.opts.record(ctx, failed(rec, err))
		return models.Message{}, err
	}
	defer resp.Body.Close()

	out, err := readAnthropicStream(resp.Body, onChunk)
	if err != nil {
		c.opts.record(ctx, failed(rec, err))
		return models.Message{}, err
	}
	rec.Status, rec.Success, rec.Response = http.StatusOK, true, out
	c.opts.record(ctx, rec)
	return out, nil
}

type anStreamEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *struct {
		Type  string          `json:"type"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Text  string          `json:"text"`
		Input json.RawMessage `json:"input"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func readAnthropicStream(body io.Reader, onChunk func(string) error) (models.Message, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var content strings.Builder
	blocks := map[int]*partialToolCall{}
	var order []int

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev anStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				blocks[ev.Index] = &partialToolCall{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
				order = append(order, ev.Index)
			}
		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				if ev.Delta.Text == "" {
					continue
				}
				content.WriteString(ev.Delta.Text)
				if onChunk != nil {
					if err := onChunk(ev.Delta.Text); err != nil {
						return models.Message{}, err
					}
				}
			case "input_json_delta":
				if p, ok := blocks[ev.Index]; ok {
					p.args.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "error":
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			return models.Message{}, &HTTPError{Provider: "anthropic", Status: http.StatusServiceUnavailable, Body: msg}
		case "message_stop":
			return finishAnthropic(content.String(), blocks, order), scanner.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return models.Message{}, err
	}
	return finishAnthropic(content.String(), blocks, order), nil
}

func finishAnthropic(content string, blocks map[int]*partialToolCall, order []int) models.Message {
	out := models.Message{Role: models.RoleAssistant, Content: content}
	for _, idx := range order {
		p := blocks[idx]
		out.ToolCalls = append(out.ToolCalls, toToolCall(p.id, p.name, p.args.String()))
	}
	return out
}

// CheckHealth sends a tiny message and reports whether it succeeded.
func (c *AnthropicClient) CheckHealth(ctx context.Context) bool {
	_, err := c.ChatCompletion(ctx, []models.Message{{Role: models.RoleUser, Content: "ping"}}, nil, ChatOptions{MaxTokens: 5})
	return err == nil
}
