package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rickgao/hasync/internal/model"
	"github.com/rickgao/hasync/internal/retry"
)

// Status probes the API. It succeeds when the server is up and the token is
// accepted.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.get(ctx, "/api/", nil, &resp); err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	return &resp, nil
}

// Config fetches the server configuration.
func (c *Client) Config(ctx context.Context) (*ConfigResponse, error) {
	var resp ConfigResponse
	if err := c.get(ctx, "/api/config", nil, &resp); err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}
	return &resp, nil
}

// GetState fetches one entity. A missing entity wraps
// retry.ErrEntityUnavailable.
func (c *Client) GetState(ctx context.Context, entityID string) (*model.EntityState, error) {
	var st model.EntityState
	err := c.get(ctx, "/api/states/"+url.PathEscape(entityID), nil, &st)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("get state %s: %w", entityID, retry.ErrEntityUnavailable)
		}
		return nil, fmt.Errorf("get state %s: %w", entityID, err)
	}
	return &st, nil
}

// GetStates fetches every entity.
func (c *Client) GetStates(ctx context.Context) ([]model.EntityState, error) {
	var states []model.EntityState
	if err := c.get(ctx, "/api/states", nil, &states); err != nil {
		return nil, fmt.Errorf("get states: %w", err)
	}
	return states, nil
}

// CallService invokes a service over REST and returns the raw response body.
// Not retried: service calls are not idempotent in general.
func (c *Client) CallService(ctx context.Context, call model.ServiceCall) (json.RawMessage, error) {
	data := make(map[string]any, len(call.ServiceData)+3)
	for k, v := range call.ServiceData {
		data[k] = v
	}
	if call.Target != nil {
		if len(call.Target.EntityID) > 0 {
			data["entity_id"] = call.Target.EntityID
		}
		if len(call.Target.DeviceID) > 0 {
			data["device_id"] = call.Target.DeviceID
		}
		if len(call.Target.AreaID) > 0 {
			data["area_id"] = call.Target.AreaID
		}
	}

	r := request{
		method: http.MethodPost,
		path:   "/api/services/" + url.PathEscape(call.Domain) + "/" + url.PathEscape(call.Service),
		body:   data,
	}
	if call.ReturnResponse {
		r.query = url.Values{"return_response": {""}}
	}

	body, err := c.doRequest(ctx, r)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest {
			return nil, fmt.Errorf("call %s.%s: %w: %w", call.Domain, call.Service, retry.ErrInvalidParameter, err)
		}
		return nil, fmt.Errorf("call %s.%s: %w", call.Domain, call.Service, err)
	}
	return body, nil
}
