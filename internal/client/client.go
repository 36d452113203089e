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
	"time"

	"github.com/deckgen/pipeline/internal/jobs"
)

// Filter narrows and orders a remote job listing.
type Filter struct {
	Status    jobs.Status
	SortBy    string
	SortOrder string
	Page      int
	PageSize  int
}

// API is the Job Query/Mutation contract the synchronization layer
// consumes. The HTTP client below is the production implementation; tests
// substitute fakes.
type API interface {
	ListJobs(ctx context.Context, filter Filter) ([]*jobs.Job, int, error)
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
	DeleteJob(ctx context.Context, id string) error
	DeleteJobs(ctx context.Context, ids []string) error
	RetryJob(ctx context.Context, id string) (*jobs.Job, error)
}

// SyncError is a failed fetch or mutation against the Job Query/Mutation
// API. Message holds the most specific human-readable description the
// response payload offered.
type SyncError struct {
	StatusCode int
	Message    string
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed (%d): %s", e.StatusCode, e.Message)
}

// APIClient is an HTTP client for the Job Query/Mutation API.
type APIClient struct {
	baseURL string
	http    *http.Client
}

func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type listResponse struct {
	Jobs  []*jobs.Job `json:"jobs"`
	Count int         `json:"count"`
}

func (c *APIClient) ListJobs(ctx context.Context, filter Filter) ([]*jobs.Job, int, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.SortBy != "" {
		q.Set("sort_by", filter.SortBy)
	}
	if filter.SortOrder != "" {
		q.Set("sort_order", filter.SortOrder)
	}
	if filter.Page > 0 {
		q.Set("page", strconv.Itoa(filter.Page))
	}
	if filter.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(filter.PageSize))
	}

	endpoint := c.baseURL + "/jobs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var resp listResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Jobs, resp.Count, nil
}

func (c *APIClient) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	var job jobs.Job
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/jobs/"+id, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *APIClient) DeleteJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.baseURL+"/jobs/"+id, nil, nil)
}

func (c *APIClient) DeleteJobs(ctx context.Context, ids []string) error {
	body := map[string][]string{"ids": ids}
	return c.do(ctx, http.MethodDelete, c.baseURL+"/jobs", body, nil)
}

func (c *APIClient) RetryJob(ctx context.Context, id string) (*jobs.Job, error) {
	var job jobs.Job
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/jobs/"+id+"/retry", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *APIClient) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &SyncError{StatusCode: 0, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &SyncError{StatusCode: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &SyncError{
			StatusCode: resp.StatusCode,
			Message:    extractMessage(resp.StatusCode, data),
		}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &SyncError{StatusCode: resp.StatusCode, Message: "malformed response body"}
		}
	}
	return nil
}

// cannedMessages maps well-known statuses onto user-facing text, consulted
// when the response payload carries nothing richer.
var cannedMessages = map[int]string{
	http.StatusBadRequest:          "The request was invalid.",
	http.StatusNotFound:            "The job could not be found.",
	http.StatusConflict:            "The job is still being processed.",
	http.StatusInternalServerError: "The server encountered an error.",
	http.StatusServiceUnavailable:  "The service is temporarily unavailable.",
}

const genericMessage = "Something went wrong. Please try again."

// extractMessage pulls the most useful human-readable message out of an
// error response, falling through: structured validation detail, detail
// string, message/error field, status-keyed canned message, generic
// fallback.
func extractMessage(status int, body []byte) string {
	var payload struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if len(payload.Detail) > 0 {
			var items []struct {
				Msg string `json:"msg"`
			}
			if err := json.Unmarshal(payload.Detail, &items); err == nil && len(items) > 0 && items[0].Msg != "" {
				return items[0].Msg
			}
			var s string
			if err := json.Unmarshal(payload.Detail, &s); err == nil && s != "" {
				return s
			}
		}
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if msg, ok := cannedMessages[status]; ok {
		return msg
	}
	return genericMessage
}
