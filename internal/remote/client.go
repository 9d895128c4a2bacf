// Package remote is the agent's HTTP client for the scrollmeter backend:
// the distance-session log, the running total, stats and achievements.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenSource returns the bearer token for the active session, or "" when
// nobody is signed in.
type TokenSource func(ctx context.Context) (string, error)

// Client talks to the backend API.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

// NewClient configures a client with sane defaults.
func NewClient(baseURL string, tokens TokenSource) (*Client, error) {
	normalized, err := NormalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: normalized,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// NormalizeBaseURL trims the URL and makes sure it carries a scheme.
func NormalizeBaseURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", fmt.Errorf("backend url cannot be empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("invalid backend url: %w", err)
	}
	if parsed.Scheme == "" {
		return "", fmt.Errorf("backend url must include scheme (https://)")
	}
	return strings.TrimRight(value, "/"), nil
}

// CreateSession signs userID in and returns its bearer token.
func (c *Client) CreateSession(ctx context.Context, userID, displayName string) (SessionGrant, error) {
	var grant SessionGrant
	req := map[string]string{"user_id": userID, "display_name": displayName}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/auth/session", nil, req, &grant, false); err != nil {
		return SessionGrant{}, err
	}
	return grant, nil
}

// RevokeSession invalidates the current token.
func (c *Client) RevokeSession(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/auth/session", nil, nil, nil, true)
}

// InsertSessions bulk inserts distance records. Records whose client batch
// id is already stored are skipped by the backend.
func (c *Client) InsertSessions(ctx context.Context, records []SessionRecord) (InsertSessionsResult, error) {
	var res InsertSessionsResult
	body := map[string]any{"records": records}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions/bulk", nil, body, &res, true); err != nil {
		return InsertSessionsResult{}, err
	}
	return res, nil
}

// Total fetches the trigger-maintained running total.
func (c *Client) Total(ctx context.Context) (Total, error) {
	var total Total
	if err := c.doJSON(ctx, http.MethodGet, "/v1/totals", nil, nil, &total, true); err != nil {
		return Total{}, err
	}
	return total, nil
}

// RawTotal recomputes the total from the raw session rows.
func (c *Client) RawTotal(ctx context.Context) (float64, error) {
	var resp struct {
		TotalMeters float64 `json:"total_meters"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sessions/sum", nil, nil, &resp, true); err != nil {
		return 0, err
	}
	return resp.TotalMeters, nil
}

// HealTotal overwrites the maintained total.
func (c *Client) HealTotal(ctx context.Context, meters float64) error {
	body := map[string]float64{"total_meters": meters}
	return c.doJSON(ctx, http.MethodPut, "/v1/totals", nil, body, nil, true)
}

// StatsSince returns per-site meters logged since the given instant.
func (c *Client) StatsSince(ctx context.Context, since time.Time) (TodayStats, error) {
	var stats TodayStats
	query := url.Values{}
	query.Set("since", since.Format(time.RFC3339))
	if err := c.doJSON(ctx, http.MethodGet, "/v1/stats/today", query, nil, &stats, true); err != nil {
		return TodayStats{}, err
	}
	if stats.BySite == nil {
		stats.BySite = map[string]float64{}
	}
	return stats, nil
}

// Capabilities probes the backend's achievement schema version.
func (c *Client) Capabilities(ctx context.Context) (Capabilities, error) {
	var caps Capabilities
	if err := c.doJSON(ctx, http.MethodGet, "/v1/capabilities", nil, nil, &caps, false); err != nil {
		return Capabilities{}, err
	}
	return caps, nil
}

// InsertAchievement stores row using the given schema version. The legacy
// version only sends the event key and title.
func (c *Client) InsertAchievement(ctx context.Context, row AchievementRow, schema int) (Achievement, error) {
	var body any = row
	if schema < SchemaFull {
		body = legacyAchievementRow{EventKey: row.EventKey, Title: row.Title}
	}
	var out Achievement
	if err := c.doJSON(ctx, http.MethodPost, "/v1/achievements", nil, body, &out, true); err != nil {
		return Achievement{}, err
	}
	return out, nil
}

// GetAchievement fetches the stored row for eventKey.
func (c *Client) GetAchievement(ctx context.Context, eventKey string) (Achievement, error) {
	var out Achievement
	path := "/v1/achievements/" + url.PathEscape(eventKey)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out, true); err != nil {
		return Achievement{}, err
	}
	return out, nil
}

// ListAchievements returns every achievement stored for the user.
func (c *Client) ListAchievements(ctx context.Context) ([]Achievement, error) {
	var resp struct {
		Achievements []Achievement `json:"achievements"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/achievements", nil, nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Achievements, nil
}

// GenerateBadge asks the backend to generate and store a badge.
func (c *Client) GenerateBadge(ctx context.Context, req BadgeRequest) (Achievement, error) {
	var out Achievement
	if err := c.doJSON(ctx, http.MethodPost, "/v1/achievements/ai-badge", nil, req, &out, true); err != nil {
		return Achievement{}, err
	}
	return out, nil
}

type apiErrorPayload struct {
	Error struct {
		Message string `json:"message"`
		Status  int    `json:"status"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, reqBody, respBody any, authed bool) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if authed {
		token := ""
		if c.tokens != nil {
			token, err = c.tokens(ctx)
			if err != nil {
				return fmt.Errorf("resolve session token: %w", err)
			}
		}
		if token == "" {
			return ErrNoSession
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload apiErrorPayload
		if err := json.Unmarshal(respData, &payload); err == nil && payload.Error.Message != "" {
			apiErr.Code = payload.Error.Code
			apiErr.Message = payload.Error.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(respData))
		}
		return apiErr
	}

	if respBody == nil || len(respData) == 0 {
		return nil
	}
	if err := json.Unmarshal(respData, respBody); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
