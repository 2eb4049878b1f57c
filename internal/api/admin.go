package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/technosupport/plugin-entitlements/internal/audit"
	"github.com/technosupport/plugin-entitlements/internal/installation"
	"github.com/technosupport/plugin-entitlements/internal/licensekey"
	"github.com/technosupport/plugin-entitlements/internal/logging"
	"github.com/technosupport/plugin-entitlements/internal/middleware"
	"github.com/technosupport/plugin-entitlements/internal/plugin"
	"github.com/technosupport/plugin-entitlements/internal/tokens"
)

const maxAdminBody = 16 << 10

var validate = validator.New()

type AdminHandler struct {
	Catalog     *plugin.Catalog
	Audit       AuditStore
	Revocations tokens.Revocations
	RevokeTTL   time.Duration
	Logger      *zap.Logger
}

type MintKeyRequest struct {
	PluginID         string                      `json:"pluginId" validate:"required"`
	SubscriptionType licensekey.SubscriptionType `json:"subscriptionType" validate:"required,oneof=lifetime reset monthly yearly trial-limited personal"`
	PersonalKey      bool                        `json:"personalKey"`
	TargetUserID     string                      `json:"targetUserId" validate:"required_if=PersonalKey true,max=15"`
	ExpirationDate   *licensekey.Timestamp       `json:"expirationDate"`
	// DurationDays sets expirationDate relative to now when expirationDate is absent.
	DurationDays int `json:"durationDays" validate:"gte=0,lte=36500"`
}

type mintMetadata struct {
	Admin            string `json:"admin"`
	SubscriptionType string `json:"subscriptionType"`
	PersonalKey      bool   `json:"personalKey"`
	TargetUserID     string `json:"targetUserId"`
}

type MintKeyResponse struct {
	Key     string             `json:"key"`
	Payload licensekey.Payload `json:"payload"`
}

// GET /api/v1/admin/plugins
func (h *AdminHandler) ListPlugins(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"plugins": h.Catalog.All()})
}

// POST /api/v1/admin/keys
func (h *AdminHandler) MintKey(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAdminContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req MintKeyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	def, err := h.Catalog.Lookup(req.PluginID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Unknown plugin")
		return
	}

	now := time.Now().UTC()
	payload := licensekey.Payload{
		SubscriptionType: req.SubscriptionType,
		PluginID:         def.ID,
		PersonalKey:      req.PersonalKey,
		TargetUserID:     req.TargetUserID,
		ExpirationDate:   req.ExpirationDate,
		PurchaseDate:     licensekey.At(now),
		AdminGenerated:   true,
	}
	if payload.ExpirationDate == nil && req.DurationDays > 0 {
		payload.ExpirationDate = licensekey.At(now.AddDate(0, 0, req.DurationDays))
	}

	key, err := licensekey.Encode(def.KeyPrefix, payload)
	if err != nil {
		h.Logger.Error("key encode failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	h.Logger.Info("license key minted",
		zap.String("request_id", logging.RequestID(r.Context())),
		zap.String("admin", ac.Subject),
		zap.String("plugin_id", def.ID),
		zap.String("subscription_type", string(payload.SubscriptionType)),
		zap.String("key", logging.MaskKey(key)))

	if h.Audit != nil {
		evt := audit.Event{
			PluginID:  def.ID,
			Action:    audit.ActionKeyMint,
			Result:    audit.ResultSuccess,
			RequestID: logging.RequestID(r.Context()),
		}
		err := evt.SetMetadata(mintMetadata{
			Admin:            ac.Subject,
			SubscriptionType: string(payload.SubscriptionType),
			PersonalKey:      payload.PersonalKey,
			TargetUserID:     payload.TargetUserID,
		})
		if err != nil {
			h.Logger.Warn("audit metadata dropped", zap.String("action", audit.ActionKeyMint), zap.Error(err))
		}
		if err := h.Audit.WriteEvent(r.Context(), evt); err != nil {
			h.Logger.Error("audit write failed", zap.String("action", audit.ActionKeyMint), zap.Error(err))
		}
	}

	respondJSON(w, http.StatusCreated, MintKeyResponse{Key: key, Payload: payload})
}

// GET /api/v1/admin/installations/{installationID}/audit
func (h *AdminHandler) GetAudit(w http.ResponseWriter, r *http.Request) {
	if h.Audit == nil {
		respondError(w, http.StatusNotImplemented, "Audit trail not configured")
		return
	}
	installationID := chi.URLParam(r, "installationID")
	if !installation.ValidID(installationID) {
		respondError(w, http.StatusBadRequest, "Invalid installation id")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		InstallationID: installationID,
		PluginID:       q.Get("plugin"),
		Result:         q.Get("result"),
		Cursor:         q.Get("cursor"),
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 0 {
			respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		filter.Limit = l
	}

	events, next, err := h.Audit.QueryEvents(r.Context(), filter)
	if err != nil {
		h.Logger.Error("audit query failed", zap.String("installation_id", installationID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Query failed")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events, "cursor": next})
}

type revokeRequest struct {
	TokenID string `json:"jti"`
}

// POST /api/v1/admin/tokens/revoke revokes the given token id, or the caller's own token.
func (h *AdminHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAdminContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if h.Revocations == nil {
		respondError(w, http.StatusNotImplemented, "Token revocation not configured")
		return
	}

	var req revokeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
	}

	jti := req.TokenID
	ttl := h.RevokeTTL
	if jti == "" {
		jti = ac.TokenID
		if !ac.ExpiresAt.IsZero() {
			ttl = time.Until(ac.ExpiresAt)
		}
	}
	if jti == "" {
		respondError(w, http.StatusBadRequest, "Token has no id")
		return
	}
	if ttl <= 0 {
		ttl = tokens.DefaultAdminTTL
	}

	if err := h.Revocations.Revoke(r.Context(), jti, ttl); err != nil {
		h.Logger.Error("token revoke failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Revoke failed")
		return
	}
	h.Logger.Info("admin token revoked", zap.String("admin", ac.Subject), zap.String("jti", jti))
	w.WriteHeader(http.StatusNoContent)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return "Invalid field: " + verrs[0].Field()
	}
	return "Invalid request"
}
