package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Roster is the payload served by the external moderation source. The field
// names mirror the source's wire format: "conversation_id" is the muted
// user id and "TIME" is the compact duration spec.
type Roster struct {
	BlockedWords []string       `json:"blockedWords"`
	Blacklist    []RosterRecord `json:"blacklist"`
}

type RosterRecord struct {
	UserID       string `json:"conversation_id"`
	DurationSpec string `json:"TIME"`
}

// Source fetches the current moderation roster.
type Source interface {
	Fetch(ctx context.Context) (Roster, error)
}

// HTTPSource polls a moderation endpoint over HTTP.
type HTTPSource struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSource constructs an HTTPSource. A nil client falls back to
// http.DefaultClient.
func NewHTTPSource(endpoint string, client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{endpoint: endpoint, client: client}
}

// Fetch retrieves and decodes the roster.
func (s *HTTPSource) Fetch(ctx context.Context) (Roster, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return Roster{}, fmt.Errorf("build moderation request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Roster{}, fmt.Errorf("fetch moderation roster: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Roster{}, fmt.Errorf("moderation source returned %d", resp.StatusCode)
	}

	var roster Roster
	if err := json.NewDecoder(resp.Body).Decode(&roster); err != nil {
		return Roster{}, fmt.Errorf("decode moderation roster: %w", err)
	}
	return roster, nil
}
