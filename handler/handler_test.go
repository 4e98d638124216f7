package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"labsql-agent/internal/domain"
	"labsql-agent/internal/usecase"
)

type stubUseCase struct {
	out usecase.Decision
	err error
	in  usecase.GenerateInput
}

func (s *stubUseCase) Generate(_ context.Context, in usecase.GenerateInput) (usecase.Decision, error) {
	s.in = in
	return s.out, s.err
}

func makeEvent(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/sql-generation",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_Success(t *testing.T) {
	uc := &stubUseCase{out: usecase.Decision{
		OK:               true,
		SQL:              "SELECT 1 LIMIT 50",
		Explanation:      "one",
		Confidence:       "high",
		IterationCount:   3,
		ForcedCompletion: true,
		Trace:            []domain.IterationRecord{{Iteration: 1, Phase: domain.PhaseExplore}},
	}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`{"question":"latest glucose?","patientId":"P001"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "latest glucose?", uc.in.Question)
	require.Equal(t, "P001", uc.in.PatientID)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
	require.Equal(t, resp.Headers["X-Correlation-Id"], uc.in.RequestID)

	require.JSONEq(t, `{
		"ok": true,
		"sql": "SELECT 1 LIMIT 50",
		"explanation": "one",
		"metadata": {"iterationCount": 3, "forcedCompletion": true}
	}`, resp.Body)
}

func TestHandle_FailedDecision(t *testing.T) {
	cases := []struct {
		code   usecase.ErrorCode
		status int
	}{
		{usecase.ErrorValidationFailed, http.StatusUnprocessableEntity},
		{usecase.ErrorNoFinalQuery, http.StatusUnprocessableEntity},
		{usecase.ErrorTimeout, http.StatusGatewayTimeout},
		{usecase.ErrorRateLimited, http.StatusTooManyRequests},
		{usecase.ErrorUpstream, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			uc := &stubUseCase{out: usecase.Decision{Code: tc.code, Message: "nope", IterationCount: 2, Confidence: "low"}}
			h, err := NewHandler(uc)
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeEvent(`{"question":"q"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
			require.JSONEq(t, `{
				"ok": false,
				"error": {"code": "`+string(tc.code)+`", "message": "nope"},
				"metadata": {"iterationCount": 2}
			}`, resp.Body)
		})
	}
}

func TestHandle_InvalidBody(t *testing.T) {
	for _, body := range []string{`not-json`, `{"question":"q","extra":1}`} {
		uc := &stubUseCase{}
		h, err := NewHandler(uc)
		require.NoError(t, err)

		resp, err := h.Handle(context.Background(), makeEvent(body))
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)

		out := parseBody[errorResponse](t, resp.Body)
		require.False(t, out.OK)
		require.Equal(t, string(usecase.ErrorInvalidInput), out.Error.Code)
		require.Empty(t, uc.in.Question, "usecase must not be called")
	}
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "patient_required"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput), message: reasonMessages["patient_required"]},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "schema_error", Err: errors.New("boom")}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal), message: "internal error"},
		{name: "unknown reason", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "odd_reason"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput), message: "odd reason"},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal), message: "internal error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &stubUseCase{err: tc.err}
			h, err := NewHandler(uc)
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeEvent(`{"question":"q"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error.Code)
			require.Equal(t, tc.message, out.Error.Message)
			require.Equal(t, 0, out.Metadata.IterationCount)
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	uc := &stubUseCase{out: usecase.Decision{OK: true, SQL: "SELECT 1"}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	event := makeEvent(`{"question":"q"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
	require.Equal(t, "corr-123", uc.in.RequestID)
}
