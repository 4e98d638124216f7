package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"labsql-agent/internal/domain"
)

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "/labsql")
	require.Error(t, err)
	require.Contains(t, err.Error(), "getter")

	_, err = NewClient(&fakeGetter{}, "  ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "prefix")
}

func TestNewClient_Options(t *testing.T) {
	hc := &http.Client{Timeout: time.Second}
	c, err := NewClient(&fakeGetter{}, "/labsql/dev/", WithBaseURL(" http://x "), WithHTTPClient(hc), WithModel("gpt-test"))
	require.NoError(t, err)
	require.Equal(t, "http://x", c.baseURL)
	require.Same(t, hc, c.httpClient)
	require.Equal(t, "gpt-test", c.Model())
	require.Equal(t, "/labsql/dev/open-ai-token", c.tokenParameterName())

	c, err = NewClient(&fakeGetter{}, "/labsql", WithModel(" "))
	require.NoError(t, err)
	require.Equal(t, defaultModel, c.Model())
}

func TestResolveClient_RetriesAfterKeyFailure(t *testing.T) {
	calls := 0
	g := &fakeGetter{err: errors.New("ssm unavailable")}
	g.onCall = func() { calls++ }
	c, err := NewClient(g, "/labsql")
	require.NoError(t, err)

	_, err = c.Next(context.Background(), domain.ReasonerRequest{})
	require.ErrorContains(t, err, "ssm unavailable")
	require.Equal(t, 1, calls)

	g.err = nil
	g.val = `{"token":"sk-recovered"}`
	sdk, err := c.resolveClient(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sdk)
	require.Equal(t, 2, calls, "a failed fetch must be retried")

	again, err := c.resolveClient(context.Background())
	require.NoError(t, err)
	require.Same(t, sdk, again)
	require.Equal(t, 2, calls, "a fetched key must be reused")
}

// fakeGetter is a minimal paramstore.Getter stub for use within this package.
type fakeGetter struct {
	val    string
	err    error
	onCall func()
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	if f.onCall != nil {
		f.onCall()
	}
	return f.val, f.err
}

func TestFetchAPIKey_JSONToken(t *testing.T) {
	g := &fakeGetter{val: `{"token":"sk-from-json"}`}
	key, err := fetchAPIKeyFromParamStore(context.Background(), g, "/labsql/open-ai-token")
	require.NoError(t, err)
	require.Equal(t, "sk-from-json", key)
}

func TestFetchAPIKey_Errors(t *testing.T) {
	cases := []struct {
		name   string
		getter Getter
		param  string
		want   string
	}{
		{"missing token field", &fakeGetter{val: `{"other":"value"}`}, "/p", "API token is empty"},
		{"malformed json", &fakeGetter{val: `{"broken`}, "/p", "unmarshal"},
		{"getter error", &fakeGetter{err: errors.New("ssm unavailable")}, "/p", "ssm unavailable"},
		{"nil getter", nil, "/p", "nil"},
		{"empty name", &fakeGetter{val: `{"token":"x"}`}, " ", "empty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fetchAPIKeyFromParamStore(context.Background(), tc.getter, tc.param)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(
		&fakeGetter{val: `{"token":"sk-test"}`},
		"/labsql",
		WithBaseURL(srv.URL+"/v1"),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
		WithModel("gpt-mock"),
	)
	require.NoError(t, err)
	return c
}

func writeCompletion(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{
		"id": "chatcmpl-123",
		"object": "chat.completion",
		"created": 1670000000,
		"model": "gpt-mock",
		"choices": [{"index": 0, "finish_reason": "stop", "message": ` + message + `}]
	}`))
}

func sampleTools() []domain.ToolSpec {
	return []domain.ToolSpec{{
		Name:        "finalize_answer",
		Description: "Submit the final SQL",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"sql": map[string]any{"type": "string"}},
			"required":   []string{"sql"},
		},
	}}
}

func TestClient_Next_ToolCalls(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &body))
		writeCompletion(w, `{
			"role": "assistant",
			"content": null,
			"tool_calls": [{
				"id": "call_1",
				"type": "function",
				"function": {"name": "search_similar_names", "arguments": "{\"search_term\":\"vit d\"}"}
			}]
		}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	reply, err := c.Next(context.Background(), domain.ReasonerRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: "sys"},
			{Role: domain.RoleUser, Content: "latest vitamin d?"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "call_0", Name: "run_exploratory_query", Arguments: `{"sql":"SELECT 1"}`}}},
			{Role: domain.RoleTool, ToolCallID: "call_0", Content: `{"row_count":0}`},
		},
		Tools: sampleTools(),
	})
	require.NoError(t, err)
	require.Empty(t, reply.Content)
	require.Equal(t, []domain.ToolCall{{ID: "call_1", Name: "search_similar_names", Arguments: `{"search_term":"vit d"}`}}, reply.ToolCalls)

	require.Equal(t, "gpt-mock", body["model"])
	require.NotContains(t, body, "tool_choice")
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 4)
	asst := msgs[2].(map[string]any)
	require.Equal(t, "assistant", asst["role"])
	calls := asst["tool_calls"].([]any)
	require.Equal(t, "call_0", calls[0].(map[string]any)["id"])
	tool := msgs[3].(map[string]any)
	require.Equal(t, "tool", tool["role"])
	require.Equal(t, "call_0", tool["tool_call_id"])
	tools := body["tools"].([]any)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	require.Equal(t, "finalize_answer", fn["name"])
	require.Equal(t, "Submit the final SQL", fn["description"])
}

func TestClient_Next_RequireFinalSetsToolChoice(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		writeCompletion(w, `{"role":"assistant","content":"done"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	reply, err := c.Next(context.Background(), domain.ReasonerRequest{
		Messages:     []domain.ChatMessage{{Role: domain.RoleUser, Content: "q"}},
		Tools:        sampleTools(),
		RequireFinal: true,
		FinalTool:    "finalize_answer",
	})
	require.NoError(t, err)
	require.Equal(t, "done", reply.Content)
	require.Empty(t, reply.ToolCalls)

	choice := body["tool_choice"].(map[string]any)
	require.Equal(t, "function", choice["type"])
	require.Equal(t, "finalize_answer", choice["function"].(map[string]any)["name"])
}

func TestClient_Next_RequireFinalWithoutTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Next(context.Background(), domain.ReasonerRequest{RequireFinal: true})
	require.ErrorContains(t, err, "final tool")
}

func TestClient_Next_UnsupportedRole(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Next(context.Background(), domain.ReasonerRequest{
		Messages: []domain.ChatMessage{{Role: "developer", Content: "x"}},
	})
	require.ErrorContains(t, err, "unsupported role")

	_, err = c.Next(context.Background(), domain.ReasonerRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleTool, Content: "x"}},
	})
	require.ErrorContains(t, err, "tool call id")
}

func TestClient_Next_StatusErrors(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadRequest} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream said no","type":"server_error"}}`))
		}))

		c := newTestClient(t, srv)
		_, err := c.Next(context.Background(), domain.ReasonerRequest{
			Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}},
		})
		srv.Close()

		var statusErr *HTTPStatusError
		require.ErrorAs(t, err, &statusErr)
		require.Equal(t, status, statusErr.HTTPStatusCode())
		require.Contains(t, err.Error(), "upstream said no")
	}
}

func TestClient_Next_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Next(context.Background(), domain.ReasonerRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}},
	})
	require.ErrorContains(t, err, "no choices")
}

func TestClient_Next_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		writeCompletion(w, `{"role":"assistant","content":"late"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Next(ctx, domain.ReasonerRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
