package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/technosupport/plugin-entitlements/internal/installation"
	"github.com/technosupport/plugin-entitlements/internal/logging"
	"github.com/technosupport/plugin-entitlements/internal/messages"
	"github.com/technosupport/plugin-entitlements/internal/middleware"
	"github.com/technosupport/plugin-entitlements/internal/plugin"
	"github.com/technosupport/plugin-entitlements/internal/ratelimit"
)

const (
	ErrorRateLimited = "rate_limited"
	MsgRateLimited   = "Too many activation attempts, please try again later"
)

type MessageHandler struct {
	Registry *installation.Registry
	Limits   *middleware.RateLimitMiddleware
	Logger   *zap.Logger
}

// POST /api/v1/plugins/{pluginID}/installations/{installationID}/messages
func (h *MessageHandler) Post(w http.ResponseWriter, r *http.Request) {
	pluginID := chi.URLParam(r, "pluginID")
	installationID := chi.URLParam(r, "installationID")

	body, err := io.ReadAll(io.LimitReader(r.Body, messages.MaxSize+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid body")
		return
	}
	msg, err := messages.DecodeInbound(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, decodeErrorMessage(err))
		return
	}

	out, decision, err := h.dispatch(r.Context(), installationID, pluginID, msg)
	if err != nil {
		status, text := routingError(err)
		respondError(w, status, text)
		return
	}

	status := http.StatusOK
	if decision != nil {
		middleware.WriteRateLimitHeaders(w, decision)
		if !decision.Allowed {
			status = http.StatusTooManyRequests
		}
	}
	respondJSON(w, status, out)
}

// dispatch runs one message. A non-nil decision that is not Allowed means the message
// was refused by the activation limit and out already carries the refusal.
func (h *MessageHandler) dispatch(ctx context.Context, installationID, pluginID string, msg messages.Inbound) (messages.Batch, *ratelimit.Decision, error) {
	var decision *ratelimit.Decision
	if _, ok := msg.(messages.ActivateWithKey); ok && installation.ValidID(installationID) {
		d, allowed := h.Limits.AllowActivation(ctx, installationID)
		if !allowed {
			h.Logger.Warn("activation rate limited",
				zap.String("request_id", logging.RequestID(ctx)),
				zap.String("installation_id", installationID),
				zap.String("plugin_id", pluginID))
			return messages.Batch{messages.KeyActivationResponse{
				Success: false,
				Error:   ErrorRateLimited,
				Message: MsgRateLimited,
			}}, d, nil
		}
		decision = d
	}

	out, err := h.Registry.Handle(ctx, installationID, pluginID, msg)
	return out, decision, err
}

func decodeErrorMessage(err error) string {
	if errors.Is(err, messages.ErrUnknownMessage) {
		return "Unknown message type"
	}
	return "Invalid message"
}

func routingError(err error) (int, string) {
	switch {
	case errors.Is(err, installation.ErrInvalidInstallation):
		return http.StatusBadRequest, "Invalid installation id"
	case errors.Is(err, plugin.ErrUnknownPlugin):
		return http.StatusNotFound, "Unknown plugin"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "Request abandoned"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}
