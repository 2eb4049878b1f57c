package licensekey

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type SubscriptionType string

const (
	Lifetime     SubscriptionType = "lifetime"
	Reset        SubscriptionType = "reset"
	Monthly      SubscriptionType = "monthly"
	Yearly       SubscriptionType = "yearly"
	TrialLimited SubscriptionType = "trial-limited"
	Personal     SubscriptionType = "personal"
)

// Payload is the JSON document carried inside a key. Keys are immutable once issued.
type Payload struct {
	SubscriptionType SubscriptionType `json:"subscriptionType"`
	PluginID         string           `json:"pluginId"`
	PersonalKey      bool             `json:"personalKey,omitempty"`
	TargetUserID     string           `json:"targetUserId,omitempty"`
	ExpirationDate   *Timestamp       `json:"expirationDate,omitempty"`
	PurchaseDate     *Timestamp       `json:"purchaseDate,omitempty"`
	AdminGenerated   bool             `json:"adminGenerated,omitempty"`
}

// Timestamp decodes from an ISO-8601 string or a millisecond epoch number and always
// encodes as an ISO-8601 string in UTC.
type Timestamp struct {
	time.Time
}

func At(t time.Time) *Timestamp {
	return &Timestamp{Time: t.UTC()}
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.Time.UTC().Format(time.RFC3339Nano))
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// UnmarshalJSON leaves ts zero for falsy values ("", 0, false, null), which mark
// the date as unset.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "", "null", "false", `""`, "0":
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		for _, layout := range isoLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				ts.Time = t.UTC()
				return nil
			}
		}
		return fmt.Errorf("invalid date %q", s)
	}
	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid date %s", data)
	}
	if ms == 0 {
		return nil
	}
	ts.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

// Millis is the epoch milliseconds of ts, or 0 when ts is nil.
func (ts *Timestamp) Millis() int64 {
	if ts == nil || ts.IsZero() {
		return 0
	}
	return ts.UnixMilli()
}
