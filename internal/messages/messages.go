// Package messages defines the closed set of messages exchanged with a plugin UI.
package messages

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/technosupport/plugin-entitlements/internal/entitlement"
)

var ErrUnknownMessage = errors.New("messages: unknown message type")

// MaxSize bounds a single inbound message.
const MaxSize = 16 << 10

const (
	TypeGetLicenseInfo            = "get-license-info"
	TypeActivateWithKey           = "activate-with-key"
	TypeGenerateChallenge         = "generate-challenge"
	TypeGenerateRecoveryChallenge = "generate-recovery-challenge"
	TypeCheckUsage                = "check-usage"
	TypeUpdateUsage               = "update-usage"
	TypeGetLanguage               = "get-language"
	TypeStoreLanguage             = "store-language"

	TypeLicenseInfoResponse   = "license-info-response"
	TypeKeyActivationResponse = "key-activation-response"
	TypeChallengeResponse     = "challenge-response"
	TypeChallengeError        = "challenge-error"
	TypeUsageUpdated          = "usage-updated"
	TypeUsageLimitReached     = "usage-limit-reached"
	TypeUsageAllowed          = "usage-allowed"
	TypeGetLanguageResponse   = "get-language-response"
	TypeError                 = "error"
)

// Inbound is implemented only by the message types in this package.
type Inbound interface {
	Type() string
	inbound()
}

type GetLicenseInfo struct{}
type ActivateWithKey struct {
	Key string `json:"key"`
}
type GenerateChallenge struct{}
type GenerateRecoveryChallenge struct{}
type CheckUsage struct{}
type UpdateUsage struct{}
type GetLanguage struct{}
type StoreLanguage struct {
	Language string `json:"language"`
}

func (GetLicenseInfo) Type() string            { return TypeGetLicenseInfo }
func (ActivateWithKey) Type() string           { return TypeActivateWithKey }
func (GenerateChallenge) Type() string         { return TypeGenerateChallenge }
func (GenerateRecoveryChallenge) Type() string { return TypeGenerateRecoveryChallenge }
func (CheckUsage) Type() string                { return TypeCheckUsage }
func (UpdateUsage) Type() string               { return TypeUpdateUsage }
func (GetLanguage) Type() string               { return TypeGetLanguage }
func (StoreLanguage) Type() string             { return TypeStoreLanguage }

func (GetLicenseInfo) inbound()            {}
func (ActivateWithKey) inbound()           {}
func (GenerateChallenge) inbound()         {}
func (GenerateRecoveryChallenge) inbound() {}
func (CheckUsage) inbound()                {}
func (UpdateUsage) inbound()               {}
func (GetLanguage) inbound()               {}
func (StoreLanguage) inbound()             {}

// DecodeInbound reads a {"type": ...} object into its concrete message.
func DecodeInbound(data []byte) (Inbound, error) {
	if len(data) > MaxSize {
		return nil, fmt.Errorf("messages: message exceeds %d bytes", MaxSize)
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("messages: decode: %w", err)
	}

	var msg Inbound
	switch head.Type {
	case TypeGetLicenseInfo:
		msg = &GetLicenseInfo{}
	case TypeActivateWithKey:
		msg = &ActivateWithKey{}
	case TypeGenerateChallenge:
		msg = &GenerateChallenge{}
	case TypeGenerateRecoveryChallenge:
		msg = &GenerateRecoveryChallenge{}
	case TypeCheckUsage:
		msg = &CheckUsage{}
	case TypeUpdateUsage:
		msg = &UpdateUsage{}
	case TypeGetLanguage:
		msg = &GetLanguage{}
	case TypeStoreLanguage:
		msg = &StoreLanguage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, head.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("messages: decode %s: %w", head.Type, err)
	}
	return deref(msg), nil
}

// deref returns message values so handlers switch on value types only.
func deref(m Inbound) Inbound {
	switch v := m.(type) {
	case *GetLicenseInfo:
		return *v
	case *ActivateWithKey:
		return *v
	case *GenerateChallenge:
		return *v
	case *GenerateRecoveryChallenge:
		return *v
	case *CheckUsage:
		return *v
	case *UpdateUsage:
		return *v
	case *GetLanguage:
		return *v
	case *StoreLanguage:
		return *v
	}
	return m
}

// Outbound is implemented only by the message types in this package.
type Outbound interface {
	Type() string
	outbound()
}

type LicenseInfoResponse struct {
	entitlement.Info
}

type KeyActivationResponse struct {
	Success bool                 `json:"success"`
	Action  string               `json:"action,omitempty"`
	Error   string               `json:"error,omitempty"`
	Message string               `json:"message"`
	KeyInfo *entitlement.KeyInfo `json:"keyInfo,omitempty"`
}

type ChallengeResponse struct {
	Challenge string `json:"challenge"`
	BotURL    string `json:"botUrl"`
}

type ChallengeError struct {
	Message string `json:"message"`
}

type UsageUpdated struct {
	UsageCount    int  `json:"usageCount"`
	RemainingUses int  `json:"remainingUses"`
	LastFreeUse   bool `json:"lastFreeUse,omitempty"`
}

type UsageLimitReached struct{}

type UsageAllowed struct {
	IsPro         bool `json:"isPro"`
	UsageCount    int  `json:"usageCount"`
	RemainingUses int  `json:"remainingUses"`
}

type GetLanguageResponse struct {
	Language string `json:"language"`
}

type Error struct {
	Message string `json:"message"`
}

func (LicenseInfoResponse) Type() string   { return TypeLicenseInfoResponse }
func (KeyActivationResponse) Type() string { return TypeKeyActivationResponse }
func (ChallengeResponse) Type() string     { return TypeChallengeResponse }
func (ChallengeError) Type() string        { return TypeChallengeError }
func (UsageUpdated) Type() string          { return TypeUsageUpdated }
func (UsageLimitReached) Type() string     { return TypeUsageLimitReached }
func (UsageAllowed) Type() string          { return TypeUsageAllowed }
func (GetLanguageResponse) Type() string   { return TypeGetLanguageResponse }
func (Error) Type() string                 { return TypeError }

func (LicenseInfoResponse) outbound()   {}
func (KeyActivationResponse) outbound() {}
func (ChallengeResponse) outbound()     {}
func (ChallengeError) outbound()        {}
func (UsageUpdated) outbound()          {}
func (UsageLimitReached) outbound()     {}
func (UsageAllowed) outbound()          {}
func (GetLanguageResponse) outbound()   {}
func (Error) outbound()                 {}

// Encode renders m as a flat JSON object with its "type" field first.
func Encode(m Outbound) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("messages: %s does not encode to an object", m.Type())
	}

	typ, _ := json.Marshal(m.Type())
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Batch is a list of outbound messages that marshals as a JSON array.
type Batch []Outbound

func (b Batch) MarshalJSON() ([]byte, error) {
	parts := make([]json.RawMessage, 0, len(b))
	for _, m := range b {
		raw, err := Encode(m)
		if err != nil {
			return nil, err
		}
		parts = append(parts, raw)
	}
	return json.Marshal(parts)
}
