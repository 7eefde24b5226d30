package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"secupoints/catalog"
	"secupoints/leaderboard"
)

// HealthStatus describes the /healthz response.
type HealthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// RankedEntry is a leaderboard row with its 1-based rank.
type RankedEntry struct {
	Rank int `json:"rank"`
	leaderboard.Entry
}

// LeaderboardPage is one page of the leaderboard.
type LeaderboardPage struct {
	Total   int           `json:"total"`
	Offset  int           `json:"offset"`
	Entries []RankedEntry `json:"entries"`
}

// CatalogRules is the exported rule catalog.
type CatalogRules struct {
	Version string           `json:"version"`
	Records []catalog.Record `json:"records"`
}

// ReloadResult reports the catalog installed by a reload.
type ReloadResult struct {
	Version string `json:"version"`
	Entries int    `json:"entries"`
}

// APIError is a non-2xx response decoded from the server's error body.
type APIError struct {
	Status  int             `json:"-"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed: status %d", e.Status)
	}
	return fmt.Sprintf("request failed: status %d: %s: %s", e.Status, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func decodeJSON(resp *http.Response, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			_ = json.NewDecoder(resp.Body).Decode(apiErr)
		}
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

var (
	// ErrEmptyUserID is returned when user id is empty.
	ErrEmptyUserID = errors.New("user id is required")
	// ErrEmptyEvent is returned when the event name is empty.
	ErrEmptyEvent = errors.New("event name is required")
)
