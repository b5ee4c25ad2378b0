package remnawave

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"vpn-subscriptions/internal/apperr"
)

type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &apperr.SyncError{Op: method + " " + endpoint, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &apperr.SyncError{
			Op:         method + " " + endpoint,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("api error: %s", string(respBody)),
		}
	}

	return respBody, nil
}

// UpsertUser updates the panel user identified by remoteID, creating it when
// remoteID is empty or the panel no longer knows it.
func (c *Client) UpsertUser(ctx context.Context, remoteID string, spec UserSpec) (*UserResponse, error) {
	if remoteID != "" {
		user, err := c.updateUser(ctx, remoteID, spec)
		if err == nil {
			return user, nil
		}
		if !apperr.IsStatus(err, http.StatusNotFound) {
			return nil, err
		}
		// stale remote id
	}
	return c.createUser(ctx, spec)
}

func (c *Client) createUser(ctx context.Context, spec UserSpec) (*UserResponse, error) {
	reqBody := CreateUserRequest{
		Username:             spec.Username,
		Status:               spec.Status,
		TrafficLimitBytes:    spec.TrafficLimitBytes,
		TrafficLimitStrategy: "NO_RESET",
		ExpireAt:             spec.ExpireAt.UTC().Format(time.RFC3339),
		Email:                spec.Email,
		HwidDeviceLimit:      spec.DeviceLimit,
		ActiveInternalSquads: spec.SquadIDs,
	}
	if spec.TelegramID != 0 {
		reqBody.TelegramID = &spec.TelegramID
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/users", reqBody)
	if err != nil {
		return nil, err
	}
	return decodeUser(resp)
}

func (c *Client) updateUser(ctx context.Context, remoteID string, spec UserSpec) (*UserResponse, error) {
	reqBody := UpdateUserRequest{
		UUID:                 remoteID,
		Status:               spec.Status,
		TrafficLimitBytes:    spec.TrafficLimitBytes,
		TrafficLimitStrategy: "NO_RESET",
		ExpireAt:             spec.ExpireAt.UTC().Format(time.RFC3339),
		HwidDeviceLimit:      spec.DeviceLimit,
		ActiveInternalSquads: spec.SquadIDs,
	}

	resp, err := c.doRequest(ctx, http.MethodPatch, "/api/users", reqBody)
	if err != nil {
		return nil, err
	}
	return decodeUser(resp)
}

// FindUserByExternalKey returns the panel uuid for a telegram id or email, or ""
// when the panel has no such user.
func (c *Client) FindUserByExternalKey(ctx context.Context, key ExternalKey) (string, error) {
	var endpoints []string
	if key.TelegramID != 0 {
		endpoints = append(endpoints, "/api/users/by-telegram-id/"+strconv.FormatInt(key.TelegramID, 10))
	}
	if key.Email != "" {
		endpoints = append(endpoints, "/api/users/by-email/"+url.PathEscape(key.Email))
	}

	for _, endpoint := range endpoints {
		resp, err := c.doRequest(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			if apperr.IsStatus(err, http.StatusNotFound) {
				continue
			}
			return "", err
		}

		var list ListResponse
		if err := json.Unmarshal(resp, &list); err != nil {
			return "", fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if len(list.Response) > 0 {
			return list.Response[0].UUID, nil
		}
	}
	return "", nil
}

func (c *Client) DeleteUser(ctx context.Context, remoteID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, fmt.Sprintf("/api/users/%s", url.PathEscape(remoteID)), nil)
	if apperr.IsStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

func decodeUser(resp []byte) (*UserResponse, error) {
	var wrapped APIResponse
	if err := json.Unmarshal(resp, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if wrapped.Response.UUID == "" {
		return nil, &apperr.SyncError{Op: "decode user", Err: errors.New("response without uuid")}
	}
	return &wrapped.Response, nil
}
