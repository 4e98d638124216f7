package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"labsql-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type UseCase interface {
	Generate(ctx context.Context, in usecase.GenerateInput) (usecase.Decision, error)
}

type Handler struct {
	uc UseCase
}

type generateRequest struct {
	Question  string `json:"question"`
	PatientID string `json:"patientId"`
}

type successMetadata struct {
	IterationCount   int  `json:"iterationCount"`
	ForcedCompletion bool `json:"forcedCompletion"`
}

type successResponse struct {
	OK          bool            `json:"ok"`
	SQL         string          `json:"sql"`
	Explanation string          `json:"explanation"`
	Metadata    successMetadata `json:"metadata"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type failureMetadata struct {
	IterationCount int `json:"iterationCount"`
}

type errorResponse struct {
	OK       bool            `json:"ok"`
	Error    errorBody       `json:"error"`
	Metadata failureMetadata `json:"metadata"`
}

func NewHandler(uc UseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: usecase must not be nil")
	}
	return &Handler{uc: uc}, nil
}

func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := log.With().Str("request_id", correlationID).Logger()

	req, err := decodeRequest(event.Body)
	if err != nil {
		logger.Info().Err(err).Msg("rejected malformed request body")
		return failure(correlationID, http.StatusBadRequest, string(usecase.ErrorInvalidInput), "request body must be a JSON object with question and optional patientId", 0), nil
	}

	decision, err := h.uc.Generate(ctx, usecase.GenerateInput{
		Question:  req.Question,
		PatientID: req.PatientID,
		RequestID: correlationID,
	})
	if err != nil {
		var ucErr *usecase.Error
		if !errors.As(err, &ucErr) {
			logger.Error().Err(err).Msg("unexpected usecase error")
			return failure(correlationID, http.StatusInternalServerError, string(usecase.ErrorInternal), "internal error", 0), nil
		}
		if ucErr.Code == usecase.ErrorInternal {
			logger.Error().Err(err).Msg("sql generation failed before the agent loop")
		}
		return failure(correlationID, statusFor(ucErr.Code), string(ucErr.Code), messageFor(ucErr.Reason), 0), nil
	}

	if !decision.OK {
		return failure(correlationID, statusFor(decision.Code), string(decision.Code), decision.Message, decision.IterationCount), nil
	}
	return respond(correlationID, http.StatusOK, successResponse{
		OK:          true,
		SQL:         decision.SQL,
		Explanation: decision.Explanation,
		Metadata: successMetadata{
			IterationCount:   decision.IterationCount,
			ForcedCompletion: decision.ForcedCompletion,
		},
	}), nil
}

func decodeRequest(body string) (generateRequest, error) {
	var req generateRequest
	dec := json.NewDecoder(bytes.NewBufferString(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return generateRequest{}, err
	}
	return req, nil
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorValidationFailed, usecase.ErrorNoFinalQuery:
		return http.StatusUnprocessableEntity
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	case usecase.ErrorTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

var reasonMessages = map[string]string{
	"empty_question":       "question must not be empty",
	"question_too_long":    "question is too long",
	"invalid_patient_id":   "patientId may only contain letters, digits, '-' and '_'",
	"patient_required":     "patientId is required when the database holds more than one patient",
	"unknown_patient":      "patientId does not match any patient",
	"no_patient_data":      "the database holds no lab results",
	"patient_count_error":  "internal error",
	"patient_lookup_error": "internal error",
	"schema_error":         "internal error",
}

func messageFor(reason string) string {
	if msg, ok := reasonMessages[reason]; ok {
		return msg
	}
	return strings.ReplaceAll(reason, "_", " ")
}

func failure(correlationID string, status int, code, message string, iterations int) events.APIGatewayProxyResponse {
	return respond(correlationID, status, errorResponse{
		OK:       false,
		Error:    errorBody{Code: code, Message: message},
		Metadata: failureMetadata{IterationCount: iterations},
	})
}

func respond(correlationID string, status int, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"ok":false,"error":{"code":"INTERNAL_ERROR","message":"internal error"},"metadata":{"iterationCount":0}}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(raw),
	}
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
