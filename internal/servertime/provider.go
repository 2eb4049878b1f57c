package servertime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Provider is one remote source of trusted wall-clock time.
type Provider interface {
	Name() string
	Fetch(ctx context.Context) (time.Time, error)
}

// Endpoint describes a JSON time service: the URL to GET and the top-level
// field holding the timestamp.
type Endpoint struct {
	Name  string `yaml:"name" validate:"required"`
	URL   string `yaml:"url" validate:"required,url"`
	Field string `yaml:"field" validate:"required"`
}

// DefaultEndpoints returns the public time services, in probe order.
func DefaultEndpoints() []Endpoint {
	return []Endpoint{
		{Name: "worldtimeapi", URL: "https://worldtimeapi.org/api/timezone/UTC", Field: "datetime"},
		{Name: "timeapi", URL: "https://timeapi.io/api/Time/current/zone?timeZone=UTC", Field: "dateTime"},
		{Name: "worldclockapi", URL: "http://worldclockapi.com/api/json/utc/now", Field: "currentDateTime"},
	}
}

const maxBody = 64 << 10

type jsonProvider struct {
	ep     Endpoint
	client *http.Client
}

// NewJSONProvider probes ep.URL and parses the timestamp found at ep.Field.
func NewJSONProvider(ep Endpoint, client *http.Client) Provider {
	if client == nil {
		client = http.DefaultClient
	}
	return &jsonProvider{ep: ep, client: client}
}

func ProvidersFor(endpoints []Endpoint, client *http.Client) []Provider {
	out := make([]Provider, 0, len(endpoints))
	for _, ep := range endpoints {
		out = append(out, NewJSONProvider(ep, client))
	}
	return out
}

func (p *jsonProvider) Name() string { return p.ep.Name }

func (p *jsonProvider) Fetch(ctx context.Context) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.ep.URL, nil)
	if err != nil {
		return time.Time{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", p.ep.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("%s: unexpected status %d", p.ep.Name, resp.StatusCode)
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&body); err != nil {
		return time.Time{}, fmt.Errorf("%s: decode: %w", p.ep.Name, err)
	}
	raw, ok := body[p.ep.Field]
	if !ok {
		return time.Time{}, fmt.Errorf("%s: field %q missing", p.ep.Name, p.ep.Field)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("%s: field %q is not a string", p.ep.Name, p.ep.Field)
	}
	t, err := ParseTimestamp(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", p.ep.Name, err)
	}
	return t, nil
}

// Zoneless layouts are read as UTC.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
}

// ParseTimestamp accepts the shapes returned by the known time services.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil && !t.IsZero() {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
