package installation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/technosupport/plugin-entitlements/internal/audit"
	"github.com/technosupport/plugin-entitlements/internal/challenge"
	"github.com/technosupport/plugin-entitlements/internal/entitlement"
	"github.com/technosupport/plugin-entitlements/internal/events"
	"github.com/technosupport/plugin-entitlements/internal/logging"
	"github.com/technosupport/plugin-entitlements/internal/messages"
	"github.com/technosupport/plugin-entitlements/internal/metrics"
)

const maxLanguageLength = 16

// Handle processes one inbound message for an installation and returns the replies.
// Errors are returned only for requests that could not be routed (unknown plugin,
// invalid installation, abandoned request); message-level failures are replies.
func (r *Registry) Handle(ctx context.Context, installationID, pluginID string, msg messages.Inbound) (messages.Batch, error) {
	var out messages.Batch
	err := r.With(ctx, installationID, pluginID, func(s *Session) error {
		out = r.dispatch(ctx, s, msg)
		return nil
	})
	if err != nil {
		return nil, err
	}

	ok := true
	for _, m := range out {
		if m.Type() == messages.TypeError || m.Type() == messages.TypeChallengeError {
			ok = false
		}
	}
	metrics.RecordMessage(pluginID, msg.Type(), ok)
	return out, nil
}

func (r *Registry) dispatch(ctx context.Context, s *Session, msg messages.Inbound) messages.Batch {
	switch m := msg.(type) {
	case messages.GetLicenseInfo:
		return messages.Batch{messages.LicenseInfoResponse{Info: r.read(ctx, s)}}
	case messages.ActivateWithKey:
		return messages.Batch{r.activate(ctx, s, m.Key)}
	case messages.GenerateChallenge:
		return messages.Batch{r.issue(ctx, s, challenge.Purchase)}
	case messages.GenerateRecoveryChallenge:
		return messages.Batch{r.issue(ctx, s, challenge.Recovery)}
	case messages.CheckUsage:
		return messages.Batch{r.checkUsage(ctx, s)}
	case messages.UpdateUsage:
		return r.updateUsage(ctx, s)
	case messages.GetLanguage:
		return messages.Batch{messages.GetLanguageResponse{Language: s.Store.Language(ctx)}}
	case messages.StoreLanguage:
		return r.storeLanguage(ctx, s, m.Language)
	default:
		return messages.Batch{messages.Error{Message: fmt.Sprintf("unsupported message %q", msg.Type())}}
	}
}

func (r *Registry) read(ctx context.Context, s *Session) entitlement.Info {
	info := s.Store.Read(ctx)
	r.noteDowngrade(ctx, s, info.Downgraded)
	return info
}

// noteDowngrade records an expiry downgrade. Store.Read reports it only once, on
// whichever message first observed it.
func (r *Registry) noteDowngrade(ctx context.Context, s *Session, downgraded bool) {
	if !downgraded {
		return
	}
	r.record(ctx, s, audit.Event{Action: audit.ActionDowngrade, Result: audit.ResultSuccess})
	r.publish(ctx, s, events.TypeDowngraded, nil)
}

func (r *Registry) activate(ctx context.Context, s *Session, key string) messages.KeyActivationResponse {
	r.deps.Logger.Info("activating key",
		zap.String("installation_id", s.InstallationID),
		zap.String("plugin_id", s.Plugin.ID),
		zap.String("key", logging.MaskKey(key)))

	out := s.Store.Activate(ctx, key)

	evt := audit.Event{Action: audit.ActionKeyActivate, Result: audit.ResultSuccess}
	var meta keyMetadata
	if out.Payload != nil {
		meta = keyMetadata{
			SubscriptionType: string(out.Payload.SubscriptionType),
			AdminGenerated:   out.Payload.AdminGenerated,
			PersonalKey:      out.Payload.PersonalKey,
		}
	}
	switch {
	case !out.Success:
		evt.Result = audit.ResultFailure
		evt.ReasonCode = string(out.Error)
	case out.Action == entitlement.ActionReset:
		evt.Action = audit.ActionKeyReset
		r.publish(ctx, s, events.TypeReset, nil)
	default:
		attrs := map[string]string{}
		if out.Payload != nil {
			attrs["subscription_type"] = string(out.Payload.SubscriptionType)
		}
		r.publish(ctx, s, events.TypeActivated, attrs)
	}
	r.recordWith(ctx, s, evt, meta)

	resp := messages.KeyActivationResponse{
		Success: out.Success,
		Action:  string(out.Action),
		Error:   string(out.Error),
		Message: out.Message,
		KeyInfo: out.KeyInfo,
	}
	return resp
}

func (r *Registry) issue(ctx context.Context, s *Session, typ challenge.Type) messages.Outbound {
	evt := audit.Event{Action: audit.ActionChallengeIssue, Result: audit.ResultSuccess}
	id, err := s.Challenges.Issue(ctx, s.Plugin.ID, typ)
	if err != nil {
		r.deps.Logger.Warn("challenge generation failed",
			zap.String("installation_id", s.InstallationID),
			zap.String("plugin_id", s.Plugin.ID),
			zap.Error(err))
		evt.Result = audit.ResultFailure
		evt.ReasonCode = "challenge_error"
		r.recordWith(ctx, s, evt, challengeMetadata{ChallengeType: string(typ)})

		msg := "Failed to generate challenge. Please try again."
		if typ == challenge.Recovery {
			msg = "Failed to generate recovery challenge. Please try again."
		}
		return messages.ChallengeError{Message: msg}
	}
	r.recordWith(ctx, s, evt, challengeMetadata{ChallengeType: string(typ), ChallengeID: id})
	return messages.ChallengeResponse{
		Challenge: id,
		BotURL:    challenge.ActivationURL(s.Plugin.BotName, id, typ),
	}
}

func (r *Registry) checkUsage(ctx context.Context, s *Session) messages.Outbound {
	u, ok := s.Meter.Check(ctx)
	r.noteDowngrade(ctx, s, u.Downgraded)
	if !ok {
		r.publish(ctx, s, events.TypeUsageLimitReached, nil)
		return messages.UsageLimitReached{}
	}
	return messages.UsageAllowed{IsPro: u.IsPro, UsageCount: u.UsageCount, RemainingUses: u.RemainingUses}
}

// updateUsage charges for an action the plugin already performed locally.
func (r *Registry) updateUsage(ctx context.Context, s *Session) messages.Batch {
	u, err := s.Meter.Run(ctx, func(context.Context) error { return nil })
	r.noteDowngrade(ctx, s, u.Downgraded)
	switch {
	case errors.Is(err, entitlement.ErrUsageLimitReached):
		r.publish(ctx, s, events.TypeUsageLimitReached, nil)
		return messages.Batch{messages.UsageLimitReached{}}
	case err != nil:
		r.deps.Logger.Error("usage update failed",
			zap.String("installation_id", s.InstallationID),
			zap.String("plugin_id", s.Plugin.ID),
			zap.Error(err))
		return messages.Batch{messages.Error{Message: "Failed to update usage"}}
	case !u.Charged:
		return nil
	}
	return messages.Batch{messages.UsageUpdated{UsageCount: u.UsageCount, RemainingUses: u.RemainingUses, LastFreeUse: u.LastFreeUse}}
}

func (r *Registry) storeLanguage(ctx context.Context, s *Session, lang string) messages.Batch {
	if lang == "" || len(lang) > maxLanguageLength {
		return messages.Batch{messages.Error{Message: "Invalid language"}}
	}
	if err := s.Store.SetLanguage(ctx, lang); err != nil {
		r.deps.Logger.Warn("language store failed", zap.String("installation_id", s.InstallationID), zap.Error(err))
	}
	return nil
}

type keyMetadata struct {
	SubscriptionType string `json:"subscription_type,omitempty"`
	AdminGenerated   bool   `json:"admin_generated"`
	PersonalKey      bool   `json:"personal_key"`
}

type challengeMetadata struct {
	ChallengeType string `json:"challenge_type"`
	ChallengeID   string `json:"challenge_id,omitempty"`
}

// recordWith attaches meta to evt and records it. An unencodable meta is logged and
// the event is recorded without it.
func (r *Registry) recordWith(ctx context.Context, s *Session, evt audit.Event, meta any) {
	if err := evt.SetMetadata(meta); err != nil {
		r.deps.Logger.Warn("audit metadata dropped", zap.String("action", evt.Action), zap.Error(err))
	}
	r.record(ctx, s, evt)
}

func (r *Registry) record(ctx context.Context, s *Session, evt audit.Event) {
	if r.deps.Audit == nil {
		return
	}
	evt.InstallationID = s.InstallationID
	evt.PluginID = s.Plugin.ID
	evt.RequestID = logging.RequestID(ctx)
	if err := r.deps.Audit.WriteEvent(ctx, evt); err != nil {
		metrics.SideEffectFailuresTotal.WithLabelValues("audit").Inc()
		r.deps.Logger.Error("audit write failed", zap.String("action", evt.Action), zap.Error(err))
	}
}

func (r *Registry) publish(ctx context.Context, s *Session, typ string, attrs map[string]string) {
	err := r.deps.Events.Publish(ctx, events.Event{
		Type:           typ,
		PluginID:       s.Plugin.ID,
		InstallationID: s.InstallationID,
		Attributes:     attrs,
	})
	if err != nil {
		metrics.SideEffectFailuresTotal.WithLabelValues("events").Inc()
		r.deps.Logger.Warn("event publish failed", zap.String("type", typ), zap.Error(err))
	}
}
