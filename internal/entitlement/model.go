package entitlement

import (
	"time"

	"github.com/technosupport/plugin-entitlements/internal/licensekey"
)

// Unlimited is RemainingUses for an active pro subscription.
const Unlimited = -1

// ExpiryWarningDays is the threshold at which an active subscription is flagged as ending.
const ExpiryWarningDays = 7

const (
	keyPro        = "pro"
	keyExpiry     = "pro-expiry"
	keyUsageCount = "usage-count"
	keyKeyInfo    = "key-info"
	keyLanguage   = "language"

	// LastValidationKey is shared by every plugin of an installation.
	LastValidationKey = "last-server-validation"

	DefaultLanguage = "en"
)

// KeyInfo describes the key behind the current subscription. A nil DaysRemaining
// means unlimited and is persisted as JSON null.
type KeyInfo struct {
	SubscriptionType licensekey.SubscriptionType `json:"subscriptionType"`
	PurchaseDate     *licensekey.Timestamp       `json:"purchaseDate"`
	ExpirationDate   *licensekey.Timestamp       `json:"expirationDate"`
	IsAdminGenerated bool                        `json:"isAdminGenerated"`
	DaysRemaining    *int                        `json:"daysRemaining"`
}

type ServerValidation struct {
	ServerTime   *time.Time `json:"serverTime"`
	CheckedAt    time.Time  `json:"checkedAt"`
	FallbackUsed bool       `json:"fallbackUsed"`
}

// Info is the entitlement state reported to a plugin.
type Info struct {
	IsPro            bool              `json:"isPro"`
	UsageCount       int               `json:"usageCount"`
	RemainingUses    int               `json:"remainingUses"`
	ExpiryTime       int64             `json:"expiryTime"`
	KeyInfo          *KeyInfo          `json:"keyInfo"`
	ExpiryWarning    bool              `json:"expiryWarning,omitempty"`
	DaysUntilExpiry  *int              `json:"daysUntilExpiry,omitempty"`
	ServerValidation *ServerValidation `json:"serverValidation,omitempty"`

	// Downgraded is set on the read that first observed the expiry.
	Downgraded bool `json:"-"`
	// Degraded is set when storage failed and defaults were returned.
	Degraded bool `json:"-"`
}

// CanUse reports whether a gated action may run.
func (i Info) CanUse() bool {
	return i.IsPro || i.RemainingUses > 0
}

// validationSnapshot is the debug record persisted when a subscription is downgraded.
type validationSnapshot struct {
	IsExpired     bool       `json:"isExpired"`
	DaysRemaining int        `json:"daysRemaining"`
	ServerTime    *time.Time `json:"serverTime"`
	CheckedAt     time.Time  `json:"checkedAt"`
	FallbackUsed  bool       `json:"fallbackUsed"`
}

type Action string

const (
	ActionActivate Action = "activate"
	ActionReset    Action = "reset"
)

// Outcome is the result of an activation attempt. Exactly one of Action or Error is set.
type Outcome struct {
	Success bool
	Action  Action
	Error   licensekey.Kind
	Message string
	KeyInfo *KeyInfo
	Payload *licensekey.Payload
}
