package channelsync

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

type AccessTokenProvider func(ctx context.Context) (string, error)

type ObjectStoreOptions struct {
	BaseURL       string
	Bucket        string
	TokenProvider AccessTokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	Retry         RetryPolicy
}

// HTTPObjectStore talks to the remote object storage service that holds
// published snapshots. Rate limits and 5xx responses are retried with the
// shared backoff policy; 404 on the fingerprint lookup maps to
// ErrNotFound so the publisher treats it as "definitely different".
type HTTPObjectStore struct {
	baseURL       string
	bucket        string
	tokenProvider AccessTokenProvider
	httpClient    *http.Client
	userAgent     string
	retry         RetryPolicy
}

func NewHTTPObjectStore(opts ObjectStoreOptions) *HTTPObjectStore {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &HTTPObjectStore{
		baseURL:       baseURL,
		bucket:        strings.TrimSpace(opts.Bucket),
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		retry:         opts.Retry.withDefaults(),
	}
}

func (c *HTTPObjectStore) GetFingerprint(ctx context.Context, key string) (string, error) {
	var fingerprint string
	err := c.do(ctx, http.MethodGet, c.objectURL(key)+"/fingerprint", nil, func(status int, body []byte) error {
		if status == http.StatusNotFound {
			return ErrNotFound
		}
		var parsed struct {
			Fingerprint string `json:"fingerprint"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("object store: malformed fingerprint response: %w", err)
		}
		fingerprint = parsed.Fingerprint
		return nil
	})
	if err != nil {
		return "", err
	}
	return fingerprint, nil
}

func (c *HTTPObjectStore) WriteRecord(ctx context.Context, key string, payload []byte, fingerprint string) error {
	return c.do(ctx, http.MethodPut, c.objectURL(key), &writeRequest{payload: payload, fingerprint: fingerprint}, func(status int, body []byte) error {
		if status == http.StatusNotFound {
			return fmt.Errorf("object store: bucket or key rejected: %s", strings.TrimSpace(string(body)))
		}
		return nil
	})
}

type writeRequest struct {
	payload     []byte
	fingerprint string
}

func (c *HTTPObjectStore) do(ctx context.Context, method, url string, write *writeRequest, handle func(status int, body []byte) error) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("object store client is not configured")
	}
	token := ""
	if c.tokenProvider != nil {
		var err error
		token, err = c.tokenProvider(ctx)
		if err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if write != nil {
			bodyReader = bytes.NewReader(write.payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if write != nil {
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Content-Fingerprint", write.fingerprint)
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.retry.MaxAttempts-1 {
				if waitErr := sleepContext(ctx, c.retry.Delay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 || resp.StatusCode == http.StatusNotFound {
			return handle(resp.StatusCode, respBody)
		}
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.retry.MaxAttempts-1 {
			if waitErr := sleepContext(ctx, c.retry.Delay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return fmt.Errorf("object store: %s failed: status=%d message=%s", method, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}

func (c *HTTPObjectStore) objectURL(key string) string {
	return c.baseURL + "/v1/buckets/" + url.PathEscape(c.bucket) + "/objects/" + escapeObjectKey(key)
}

// escapeObjectKey escapes each path segment but keeps the separators, so
// hierarchical keys stay hierarchical in the URL.
func escapeObjectKey(key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}
