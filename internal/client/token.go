package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

type tokenResponse struct {
	Token   string `json:"token"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Valid   bool   `json:"valid"`
}

// RequestToken asks the token API at apiBase (for example
// http://localhost:3001/api) for a token bound to userID.
func RequestToken(ctx context.Context, apiBase, userID string) (string, error) {
	endpoint := strings.TrimSuffix(apiBase, "/") + "/genToken?userId=" + url.QueryEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}

	body, err := doTokenRequest(req)
	if err != nil {
		return "", err
	}
	if body.Token == "" {
		return "", fmt.Errorf("token API returned no token: %s", body.Message)
	}
	return body.Token, nil
}

// VerifyToken checks a token against the token API before connecting.
func VerifyToken(ctx context.Context, apiBase, token string) (bool, error) {
	endpoint := strings.TrimSuffix(apiBase, "/") + "/verifyToken"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	body, err := doTokenRequest(req)
	if err != nil {
		return false, err
	}
	return body.Valid, nil
}

// doTokenRequest decodes the API body. A 401 is a valid answer for
// verification, so only other non-200 statuses are errors.
func doTokenRequest(req *http.Request) (*tokenResponse, error) {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token API request failed: %w", err)
	}
	defer resp.Body.Close()

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode token API response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnauthorized {
		return nil, fmt.Errorf("token API returned status %d: %s", resp.StatusCode, body.Message)
	}
	return &body, nil
}
