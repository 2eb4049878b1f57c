package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ActionKeyActivate    = "key.activate"
	ActionKeyReset       = "key.reset"
	ActionKeyMint        = "key.mint"
	ActionDowngrade      = "subscription.downgrade"
	ActionChallengeIssue = "challenge.issue"

	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Event is one entry of an installation's activation trail.
type Event struct {
	ID             uuid.UUID       `json:"id"`       // DB primary key
	EventID        uuid.UUID       `json:"event_id"` // idempotency key
	InstallationID string          `json:"installation_id"`
	PluginID       string          `json:"plugin_id"`
	Action         string          `json:"action"`
	Result         string          `json:"result"`
	ReasonCode     string          `json:"reason_code,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SetMetadata stores v as the event's JSON metadata.
func (e *Event) SetMetadata(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("audit: encode metadata: %w", err)
	}
	e.Metadata = raw
	return nil
}

// spooled wraps an event for the JSONL failover spool.
type spooled struct {
	EventID   string    `json:"event_id"`
	Payload   Event     `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

type Filter struct {
	InstallationID string
	PluginID       string
	Result         string
	Limit          int
	Cursor         string // id of the last event of the previous page
}

// Service writes and queries the trail. Writes that the database rejects go to the
// spool and are replayed later.
type Service struct {
	DB     *sql.DB
	Spool  *Spool
	logger *zap.Logger
}

func NewService(db *sql.DB, spool *Spool, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{DB: db, Spool: spool, logger: logger}
}
