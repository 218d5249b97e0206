package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/kimhsiao/schoolsync/internal/errors"
	"github.com/kimhsiao/schoolsync/internal/models"
)

// systemFields are maintained by the remote and never copied into local fields.
var systemFields = []string{"collectionId", "collectionName", "created", "updated", "expand"}

// maxErrorBody bounds how much of an error response is kept in messages.
const maxErrorBody = 512

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration // per request (default: 10s)
	RateLimit float64       // requests per second, 0 disables
	Burst     int           // default: 1
	Client    *http.Client
}

// HTTPClient talks to a PocketBase-style records API:
// /api/collections/{collection}/records[/{id}] and /api/health.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient creates an HTTPClient.
func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	baseURL := strings.TrimSuffix(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "remote url required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid remote url", err)
	}

	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	c := &HTTPClient{
		baseURL: baseURL,
		token:   opts.Token,
		client:  client,
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c, nil
}

func (c *HTTPClient) recordsPath(collection models.Collection, key string) string {
	p := "/api/collections/" + url.PathEscape(string(collection)) + "/records"
	if key != "" {
		p += "/" + url.PathEscape(key)
	}
	return p
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "encode request body", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.Wrap(apperrors.ErrRemoteUnavailable, fmt.Sprintf("%s %s", method, path), err)
	}
	if resp.StatusCode >= 300 {
		defer func() {
			_ = resp.Body.Close()
		}()
		return nil, statusError(method, path, resp)
	}
	return resp, nil
}

// statusError maps a non-2xx response to an error code.
func statusError(method, path string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := fmt.Sprintf("%s %s: %s", method, path, resp.Status)

	var doc struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(snippet, &doc) == nil && doc.Message != "" {
		msg += ": " + doc.Message
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.New(apperrors.ErrRecordNotFound, msg)
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return apperrors.New(apperrors.ErrRemoteUnavailable, msg)
	default:
		return apperrors.New(apperrors.ErrRemoteRejected, msg)
	}
}

func decodeRecord(collection models.Collection, r io.Reader) (*models.Record, error) {
	var doc map[string]interface{}
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRemoteRejected, "decode record", err)
	}
	return recordFromDoc(collection, doc)
}

func recordFromDoc(collection models.Collection, doc map[string]interface{}) (*models.Record, error) {
	id, _ := doc["id"].(string)
	if id == "" {
		return nil, apperrors.New(apperrors.ErrRemoteRejected, "record without id")
	}
	for _, f := range systemFields {
		delete(doc, f)
	}
	rec := models.NewRecord(collection, id, doc)
	rec.SyncStatus = models.SyncStatusSynced
	return rec, nil
}

// Insert creates a record and returns it under the remote's key.
func (c *HTTPClient) Insert(ctx context.Context, collection models.Collection, fields map[string]interface{}) (*models.Record, error) {
	resp, err := c.do(ctx, http.MethodPost, c.recordsPath(collection, ""), models.CleanFields(fields))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return decodeRecord(collection, resp.Body)
}

// Update patches an existing record.
func (c *HTTPClient) Update(ctx context.Context, collection models.Collection, key string, fields map[string]interface{}) (*models.Record, error) {
	resp, err := c.do(ctx, http.MethodPatch, c.recordsPath(collection, key), models.CleanFields(fields))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return decodeRecord(collection, resp.Body)
}

// Delete removes a record.
func (c *HTTPClient) Delete(ctx context.Context, collection models.Collection, key string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.recordsPath(collection, key), nil)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// Query pages through every record matching filter.
func (c *HTTPClient) Query(ctx context.Context, collection models.Collection, filter Filter) ([]*models.Record, error) {
	const perPage = 200

	var out []*models.Record
	for page := 1; ; page++ {
		values := url.Values{}
		values.Set("page", strconv.Itoa(page))
		values.Set("perPage", strconv.Itoa(perPage))
		if len(filter) > 0 {
			values.Set("filter", filter.Expression())
		}

		resp, err := c.do(ctx, http.MethodGet, c.recordsPath(collection, "")+"?"+values.Encode(), nil)
		if err != nil {
			return nil, err
		}

		var doc struct {
			Page       int                      `json:"page"`
			TotalPages int                      `json:"totalPages"`
			Items      []map[string]interface{} `json:"items"`
		}
		err = json.NewDecoder(resp.Body).Decode(&doc)
		_ = resp.Body.Close()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrRemoteRejected, "decode query response", err)
		}

		for _, item := range doc.Items {
			rec, err := recordFromDoc(collection, item)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		if len(doc.Items) == 0 || page >= doc.TotalPages {
			return out, nil
		}
	}
}

// Ping checks /api/health.
func (c *HTTPClient) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/health", nil)
	if err != nil {
		if IsNotFound(err) {
			return apperrors.Wrap(apperrors.ErrRemoteUnavailable, "health endpoint missing", err)
		}
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}
