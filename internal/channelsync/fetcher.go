package channelsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SnapshotFetcher wraps the upstream platform API. The core treats it as
// a black box that may fail or rate-limit; everything the merge logic
// needs is the flattened field map and the ordered message events.
type SnapshotFetcher interface {
	FetchMetadata(ctx context.Context, entityID, credential string) (map[string]any, error)
	FetchConversationPartners(ctx context.Context, entityID, credential string) ([]string, error)
	FetchConversationSnapshot(ctx context.Context, entityID, counterpartID, credential string) ([]MessageEvent, error)
}

type GraphFetcherOptions struct {
	BaseURL        string
	APIVersion     string
	MetadataFields string
	HTTPClient     *http.Client
	Retry          RetryPolicy
	RequestTimeout time.Duration
}

// HTTPGraphFetcher pulls authoritative snapshots from the platform's
// graph-style HTTP API.
type HTTPGraphFetcher struct {
	baseURL        string
	apiVersion     string
	metadataFields string
	httpClient     *http.Client
	retry          RetryPolicy
	requestTimeout time.Duration
}

func NewHTTPGraphFetcher(opts GraphFetcherOptions) *HTTPGraphFetcher {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "v19.0"
	}
	metadataFields := strings.TrimSpace(opts.MetadataFields)
	if metadataFields == "" {
		metadataFields = "id,name,description,category"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	return &HTTPGraphFetcher{
		baseURL:        baseURL,
		apiVersion:     apiVersion,
		metadataFields: metadataFields,
		httpClient:     httpClient,
		retry:          opts.Retry.withDefaults(),
		requestTimeout: requestTimeout,
	}
}

func (f *HTTPGraphFetcher) FetchMetadata(ctx context.Context, entityID, credential string) (map[string]any, error) {
	endpoint := f.endpoint(entityID, "", url.Values{
		"fields":       {f.metadataFields},
		"access_token": {credential},
	})
	var fields map[string]any
	if err := f.getJSON(ctx, endpoint, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func (f *HTTPGraphFetcher) FetchConversationPartners(ctx context.Context, entityID, credential string) ([]string, error) {
	endpoint := f.endpoint(entityID, "conversations", url.Values{
		"access_token": {credential},
	})
	var feed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := f.getJSON(ctx, endpoint, &feed); err != nil {
		return nil, err
	}
	partners := make([]string, 0, len(feed.Data))
	for _, item := range feed.Data {
		if strings.TrimSpace(item.ID) != "" {
			partners = append(partners, item.ID)
		}
	}
	return partners, nil
}

func (f *HTTPGraphFetcher) FetchConversationSnapshot(ctx context.Context, entityID, counterpartID, credential string) ([]MessageEvent, error) {
	endpoint := f.endpoint(entityID, "conversations/"+url.PathEscape(counterpartID)+"/messages", url.Values{
		"access_token": {credential},
	})
	var feed struct {
		Data []struct {
			ID   string `json:"id"`
			From struct {
				ID string `json:"id"`
			} `json:"from"`
			To struct {
				ID string `json:"id"`
			} `json:"to"`
			CreatedTime string `json:"created_time"`
			Message     string `json:"message"`
		} `json:"data"`
	}
	if err := f.getJSON(ctx, endpoint, &feed); err != nil {
		return nil, err
	}
	events := make([]MessageEvent, 0, len(feed.Data))
	for _, item := range feed.Data {
		if strings.TrimSpace(item.ID) == "" {
			continue
		}
		events = append(events, MessageEvent{
			MessageID:   item.ID,
			SenderID:    item.From.ID,
			RecipientID: item.To.ID,
			Timestamp:   item.CreatedTime,
			Payload:     map[string]any{"text": item.Message},
		})
	}
	return events, nil
}

func (f *HTTPGraphFetcher) endpoint(entityID, suffix string, query url.Values) string {
	endpoint := f.baseURL + "/" + f.apiVersion + "/" + url.PathEscape(entityID)
	if suffix != "" {
		endpoint += "/" + suffix
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return endpoint
}

func (f *HTTPGraphFetcher) getJSON(ctx context.Context, endpoint string, dst any) error {
	if f == nil || f.baseURL == "" {
		return fmt.Errorf("graph fetcher is not configured")
	}
	return f.retry.Do(ctx, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, f.requestTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := f.httpClient.Do(req)
		if err != nil {
			// Network errors and timeouts are transient; the next poll
			// tick picks up anything a retry here cannot.
			return Transient(err, "")
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return Transient(readErr, "")
		}
		if resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599) {
			return Transient(
				fmt.Errorf("upstream fetch failed: status=%d message=%s", resp.StatusCode, strings.TrimSpace(string(body))),
				resp.Header.Get("Retry-After"),
			)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("upstream fetch failed: status=%d message=%s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		if err := json.Unmarshal(body, dst); err != nil {
			return fmt.Errorf("upstream fetch: malformed response: %w", err)
		}
		return nil
	})
}
