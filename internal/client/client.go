// Package client calls the sebcoord admin API on behalf of the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rsclarke/sebcoord/internal/api"
)

type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: http.DefaultClient,
	}
}

func (c *Client) CreateExam(ctx context.Context, name string, templateID *int64) (*api.ExamResponse, error) {
	var result api.ExamResponse
	err := c.do(ctx, "POST", "/v1/exams", api.CreateExamRequest{Name: name, TemplateID: templateID}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) SubmitBatch(ctx context.Context, req api.SubmitBatchActionRequest) (int64, error) {
	var result api.SubmitBatchActionResponse
	if err := c.do(ctx, "POST", "/v1/batch-actions", req, &result); err != nil {
		return 0, err
	}
	return result.ID, nil
}

func (c *Client) Progress(ctx context.Context, actionID int64) (*api.BatchProgressResponse, error) {
	var result api.BatchProgressResponse
	if err := c.do(ctx, "GET", "/v1/batch-actions/"+id(actionID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Cancel(ctx context.Context, actionID int64) (*api.BatchProgressResponse, error) {
	var result api.BatchProgressResponse
	if err := c.do(ctx, "POST", "/v1/batch-actions/"+id(actionID)+"/cancel", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) RegisterKey(ctx context.Context, req api.RegisterKeyRequest) (int64, error) {
	var result api.RegisterKeyResponse
	if err := c.do(ctx, "POST", "/v1/security-keys", req, &result); err != nil {
		return 0, err
	}
	return result.ID, nil
}

func (c *Client) ListKeys(ctx context.Context, includeRevoked bool) (*api.ListSecurityKeysResponse, error) {
	path := "/v1/security-keys"
	if includeRevoked {
		path += "?include_revoked=true"
	}
	var result api.ListSecurityKeysResponse
	if err := c.do(ctx, "GET", path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) RevokeKey(ctx context.Context, keyID int64) error {
	return c.do(ctx, "DELETE", "/v1/security-keys/"+id(keyID), nil, nil)
}

// ListRooms returns the exam's rooms, optionally filtered by kind.
func (c *Client) ListRooms(ctx context.Context, examID int64, kind string) (*api.ListRoomsResponse, error) {
	path := "/v1/exams/" + id(examID) + "/rooms"
	if kind != "" {
		path += "?kind=" + url.QueryEscape(kind)
	}
	var result api.ListRoomsResponse
	if err := c.do(ctx, "GET", path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Generation(ctx context.Context, roomID int64) (int64, error) {
	var result api.GenerationResponse
	if err := c.do(ctx, "GET", "/v1/rooms/"+id(roomID)+"/generation", nil, &result); err != nil {
		return 0, err
	}
	return result.Generation, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return parseError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func id(n int64) string { return strconv.FormatInt(n, 10) }

func parseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return fmt.Errorf("%s", errResp.Error)
}
