package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	retry "github.com/appleboy/go-httpretry"
)

const graphRequestTimeout = 10 * time.Second

// Profile is the Graph /me response, reduced to the fields the account
// resolver needs. ID is the stable identity key.
type Profile struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	UserPrincipalName string `json:"userPrincipalName"`
	Mail              string `json:"mail"`
}

// TaskList is one Microsoft To Do list from /me/todo/lists.
type TaskList struct {
	ID            string `json:"id"`
	DisplayName   string `json:"displayName"`
	WellknownName string `json:"wellknownListName"`
	IsOwner       bool   `json:"isOwner"`
	IsShared      bool   `json:"isShared"`
}

// GraphClient is a thin authenticated wrapper over the Microsoft Graph
// API. It holds no token itself; callers pass the current bearer token so
// the lifecycle manager stays the single owner of credential state.
type GraphClient struct {
	baseURL string
	client  *retry.Client
}

// NewGraphClient creates a client for the Graph API rooted at baseURL,
// using the shared retrying HTTP client for transient-failure resilience.
func NewGraphClient(baseURL string, client *retry.Client) *GraphClient {
	return &GraphClient{baseURL: baseURL, client: client}
}

// get performs an authenticated GET and decodes the JSON response into out.
func (g *GraphClient) get(ctx context.Context, path, token string, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, graphRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.DoWithContext(reqCtx, req)
	if err != nil {
		return fmt.Errorf("graph request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("graph error %d: %s", resp.StatusCode, string(body))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse graph response: %w", err)
	}
	return nil
}

// Me fetches the signed-in user's profile.
func (g *GraphClient) Me(ctx context.Context, token string) (*Profile, error) {
	var profile Profile
	if err := g.get(ctx, "/me", token, &profile); err != nil {
		return nil, fmt.Errorf("failed to fetch /me: %w", err)
	}
	if profile.ID == "" {
		return nil, fmt.Errorf("profile response missing id")
	}
	return &profile, nil
}

// TaskLists fetches the user's To Do task lists.
func (g *GraphClient) TaskLists(ctx context.Context, token string) ([]TaskList, error) {
	var page struct {
		Value []TaskList `json:"value"`
	}
	if err := g.get(ctx, "/me/todo/lists", token, &page); err != nil {
		return nil, err
	}
	return page.Value, nil
}
