package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"labsql-agent/internal/domain"
)

const (
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 60 * time.Second
)

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is the reasoning-service adapter on the OpenAI Chat Completions API
// with tool calling.
type Client struct {
	baseURL     string
	model       string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	mu  sync.Mutex
	sdk *openaisdk.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

// NewClient creates a new Client backed by the given paramstore.Getter for
// API key retrieval. The key is fetched from SSM on the first successful
// call to Next and reused for the lifetime of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		model:       defaultModel,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Model() string {
	return c.model
}

// resolveClient fetches the API key from SSM and builds the SDK client. Only
// a successful result is kept, so a failed fetch is retried on the next call.
func (c *Client) resolveClient(ctx context.Context) (*openaisdk.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sdk != nil {
		return c.sdk, nil
	}

	key, err := fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
	if err != nil {
		return nil, err
	}
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
	}
	if c.baseURL != "" {
		opts = append(opts, option.WithBaseURL(c.baseURL))
	}
	if c.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(c.httpClient))
	}
	sdk := openaisdk.NewClient(opts...)
	c.sdk = &sdk
	return c.sdk, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

// Next performs one round-trip: the conversation so far goes out, the
// assistant's text and tool calls come back.
func (c *Client) Next(ctx context.Context, req domain.ReasonerRequest) (domain.ReasonerReply, error) {
	if c.model == "" {
		return domain.ReasonerReply{}, errors.New("openai: model must not be empty")
	}
	sdk, err := c.resolveClient(ctx)
	if err != nil {
		return domain.ReasonerReply{}, err
	}

	params, err := buildParams(c.model, req)
	if err != nil {
		return domain.ReasonerReply{}, err
	}

	resp, err := sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openaisdk.Error
		if errors.As(err, &apiErr) {
			return domain.ReasonerReply{}, statusError(apiErr)
		}
		return domain.ReasonerReply{}, fmt.Errorf("openai: request failed: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return domain.ReasonerReply{}, errors.New("openai: no choices in response")
	}

	msg := resp.Choices[0].Message
	reply := domain.ReasonerReply{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return reply, nil
}

func statusError(apiErr *openaisdk.Error) *HTTPStatusError {
	url := ""
	if apiErr.Request != nil && apiErr.Request.URL != nil {
		url = apiErr.Request.URL.String()
	}
	body := apiErr.Message
	if body == "" {
		body = http.StatusText(apiErr.StatusCode)
	}
	return &HTTPStatusError{StatusCode: apiErr.StatusCode, URL: url, Body: body}
}

func buildParams(model string, req domain.ReasonerRequest) (openaisdk.ChatCompletionNewParams, error) {
	msgs, err := convertMessages(req.Messages)
	if err != nil {
		return openaisdk.ChatCompletionNewParams{}, err
	}
	params := openaisdk.ChatCompletionNewParams{
		Model:       shared.ChatModel(model),
		Messages:    msgs,
		Temperature: param.NewOpt(0.0),
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	if req.RequireFinal {
		if req.FinalTool == "" {
			return openaisdk.ChatCompletionNewParams{}, errors.New("openai: final tool name is required")
		}
		params.ToolChoice = openaisdk.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openaisdk.ChatCompletionNamedToolChoiceParam{
				Function: openaisdk.ChatCompletionNamedToolChoiceFunctionParam{Name: req.FinalTool},
			},
		}
	}
	return params, nil
}

func convertMessages(msgs []domain.ChatMessage) ([]openaisdk.ChatCompletionMessageParamUnion, error) {
	out := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case domain.RoleSystem:
			out = append(out, openaisdk.SystemMessage(m.Content))
		case domain.RoleUser:
			out = append(out, openaisdk.UserMessage(m.Content))
		case domain.RoleTool:
			if m.ToolCallID == "" {
				return nil, errors.New("openai: tool message without tool call id")
			}
			out = append(out, openaisdk.ToolMessage(m.Content, m.ToolCallID))
		case domain.RoleAssistant:
			out = append(out, assistantMessage(m))
		default:
			return nil, fmt.Errorf("openai: unsupported role %q", m.Role)
		}
	}
	return out, nil
}

func assistantMessage(m domain.ChatMessage) openaisdk.ChatCompletionMessageParamUnion {
	if len(m.ToolCalls) == 0 {
		return openaisdk.AssistantMessage(m.Content)
	}
	asst := &openaisdk.ChatCompletionAssistantMessageParam{}
	if m.Content != "" {
		asst.Content = openaisdk.ChatCompletionAssistantMessageParamContentUnion{
			OfString: param.NewOpt(m.Content),
		}
	}
	for _, tc := range m.ToolCalls {
		asst.ToolCalls = append(asst.ToolCalls, openaisdk.ChatCompletionMessageToolCallParam{
			ID: tc.ID,
			Function: openaisdk.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return openaisdk.ChatCompletionMessageParamUnion{OfAssistant: asst}
}

func convertTools(specs []domain.ToolSpec) []openaisdk.ChatCompletionToolParam {
	out := make([]openaisdk.ChatCompletionToolParam, 0, len(specs))
	for _, s := range specs {
		fn := shared.FunctionDefinitionParam{
			Name:       s.Name,
			Parameters: shared.FunctionParameters(s.Parameters),
		}
		if s.Description != "" {
			fn.Description = param.NewOpt(s.Description)
		}
		out = append(out, openaisdk.ChatCompletionToolParam{Function: fn})
	}
	return out
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("openai: API token is empty")
	}
	return tp.Token, nil
}
