// Package handler adapts API Gateway proxy events to the chat use case.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"support-agent/internal/usecase"
)

// ChatUseCase is the boundary consumed by the handler. Both turn strategies
// satisfy it.
type ChatUseCase interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
	Authorize(ctx context.Context, threadID string) error
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

type chatResponse struct {
	Message  string `json:"message"`
	ThreadID string `json:"threadId"`
}

type suspendedResponse struct {
	Status   string `json:"status"`
	ThreadID string `json:"threadId"`
}

type authorizeRequest struct {
	SessionID string `json:"sessionId"`
}

type authorizeResponse struct {
	Status   string `json:"status"`
	ThreadID string `json:"threadId"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handler routes API Gateway proxy requests to the chat use case.
type Handler struct {
	uc  ChatUseCase
	log *slog.Logger
}

func NewHandler(uc ChatUseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	return &Handler{uc: uc, log: slog.Default()}, nil
}

// Handle dispatches on the request path. POST /api/chat runs one turn and
// POST /api/authorize records a refund authorization for a thread.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := resolveCorrelationID(event.Headers)
	log := h.log.With("correlationId", correlationID, "path", event.Path)

	if event.HTTPMethod != http.MethodPost {
		return respondError(correlationID, http.StatusMethodNotAllowed, string(usecase.ErrorInvalidInput), "method_not_allowed"), nil
	}

	switch strings.TrimRight(event.Path, "/") {
	case "/api/chat":
		return h.handleChat(ctx, log, correlationID, event.Body)
	case "/api/authorize":
		return h.handleAuthorize(ctx, log, correlationID, event.Body)
	}
	return respondError(correlationID, http.StatusNotFound, string(usecase.ErrorInvalidInput), "unknown_path"), nil
}

func (h *Handler) handleChat(ctx context.Context, log *slog.Logger, correlationID, body string) (events.APIGatewayProxyResponse, error) {
	var req chatRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		log.Warn("invalid request body", "error", err)
		return respondError(correlationID, http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_body"), nil
	}

	out, err := h.uc.Chat(ctx, usecase.ChatInput{Message: req.Message, ThreadID: req.SessionID})
	if err != nil {
		return h.respondUseCaseError(log, correlationID, err), nil
	}

	if out.Status == usecase.StatusSuspended {
		log.Info("turn suspended awaiting authorization", "threadId", out.ThreadID)
		return respondJSON(correlationID, http.StatusAccepted, suspendedResponse{
			Status:   "awaiting_authorization",
			ThreadID: out.ThreadID,
		}), nil
	}

	log.Info("turn completed", "threadId", out.ThreadID)
	return respondJSON(correlationID, http.StatusOK, chatResponse{
		Message:  out.Message,
		ThreadID: out.ThreadID,
	}), nil
}

func (h *Handler) handleAuthorize(ctx context.Context, log *slog.Logger, correlationID, body string) (events.APIGatewayProxyResponse, error) {
	var req authorizeRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		log.Warn("invalid request body", "error", err)
		return respondError(correlationID, http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_body"), nil
	}

	if err := h.uc.Authorize(ctx, req.SessionID); err != nil {
		return h.respondUseCaseError(log, correlationID, err), nil
	}

	log.Info("refund authorized", "threadId", req.SessionID)
	return respondJSON(correlationID, http.StatusOK, authorizeResponse{
		Status:   "authorized",
		ThreadID: req.SessionID,
	}), nil
}

func (h *Handler) respondUseCaseError(log *slog.Logger, correlationID string, err error) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		log.Error("unexpected error", "error", err)
		return respondError(correlationID, http.StatusInternalServerError, string(usecase.ErrorInternal), "")
	}

	status := statusForCode(ucErr.Code)
	if status >= http.StatusInternalServerError {
		log.Error("use case error", "code", ucErr.Code, "reason", ucErr.Reason, "error", ucErr.Err)
	} else {
		log.Warn("use case error", "code", ucErr.Code, "reason", ucErr.Reason)
	}
	return respondError(correlationID, status, string(ucErr.Code), ucErr.Reason)
}

func statusForCode(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(correlationID string, status int, payload any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusInternalServerError,
			Headers:    responseHeaders(correlationID),
			Body:       `{"error":"INTERNAL_ERROR"}`,
		}
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    responseHeaders(correlationID),
		Body:       string(body),
	}
}

func respondError(correlationID string, status int, code, reason string) events.APIGatewayProxyResponse {
	return respondJSON(correlationID, status, errorResponse{Error: code, Reason: reason})
}

func responseHeaders(correlationID string) map[string]string {
	return map[string]string{
		"Content-Type":     "application/json",
		"X-Correlation-Id": correlationID,
	}
}

// resolveCorrelationID reuses the caller's correlation id header when present
// regardless of case, otherwise generates one.
func resolveCorrelationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "X-Correlation-Id") && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return uuid.NewString()
}
