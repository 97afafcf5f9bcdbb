package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"reelcast/internal/domain"
	"reelcast/internal/infra/metrics"
)

const defaultPollInterval = 2 * time.Second

type Client struct {
	baseURL      *url.URL
	token        string
	httpClient   *http.Client
	pollInterval time.Duration
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if c.httpClient == nil {
			c.httpClient = &http.Client{}
		}
		c.httpClient.Timeout = timeout
	}
}

func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

type publishRequest struct {
	ChannelExternalID string `json:"channel_external_id"`
	DownloadURL       string `json:"download_url"`
	Title             string `json:"title"`
	SourceExternalID  string `json:"source_external_id"`
}

type publishTask struct {
	TaskID string `json:"task_id"`
}

type taskStatus struct {
	Status    string `json:"status"`
	Phase     string `json:"phase"`
	Percent   int    `json:"percent"`
	URL       string `json:"url"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_message"`
}

func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "http"
	}
	client := &Client{
		baseURL:      parsed,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

var _ domain.Publisher = (*Client)(nil)

// Publish запускает задачу загрузки во внешнем сервисе и ждёт её завершения,
// транслируя прогресс через onProgress.
func (c *Client) Publish(ctx context.Context, item domain.SourceItem, channel domain.Channel, onProgress domain.ProgressFunc) (domain.PublishResult, error) {
	var task publishTask
	err := c.post(ctx, "/api/v1/publish", publishRequest{
		ChannelExternalID: channel.ExternalID,
		DownloadURL:       item.DownloadURL,
		Title:             item.Title,
		SourceExternalID:  item.ExternalID,
	}, &task)
	if err != nil {
		return domain.PublishResult{}, err
	}
	if task.TaskID == "" {
		return domain.PublishResult{}, &domain.PublishError{
			Kind:    domain.PublishErrNetwork,
			Phase:   domain.PhaseDownloading,
			Message: "сервис загрузки не вернул идентификатор задачи",
		}
	}
	return c.waitTask(ctx, task.TaskID, onProgress)
}

func (c *Client) waitTask(ctx context.Context, taskID string, onProgress domain.ProgressFunc) (domain.PublishResult, error) {
	endpoint := fmt.Sprintf("/api/v1/publish/%s", url.PathEscape(taskID))
	lastPhase, lastPercent := "", -1
	for {
		select {
		case <-ctx.Done():
			return domain.PublishResult{}, &domain.PublishError{
				Kind:    domain.PublishErrNetwork,
				Phase:   domain.PublishPhase(lastPhase),
				Message: ctx.Err().Error(),
			}
		case <-time.After(c.pollInterval):
		}

		var status taskStatus
		if err := c.get(ctx, endpoint, &status); err != nil {
			return domain.PublishResult{}, err
		}
		if onProgress != nil && (status.Phase != lastPhase || status.Percent != lastPercent) {
			lastPhase, lastPercent = status.Phase, status.Percent
			onProgress(domain.PublishPhase(status.Phase), status.Percent)
		}
		switch status.Status {
		case "done":
			return domain.PublishResult{URL: status.URL}, nil
		case "failed":
			return domain.PublishResult{}, mapTaskError(status)
		}
	}
}

// mapTaskError переводит код отказа внешнего сервиса в типизированную ошибку.
func mapTaskError(status taskStatus) error {
	kind := domain.PublishErrNetwork
	switch status.ErrorCode {
	case "auth_revoked", "invalid_grant", "unauthorized":
		kind = domain.PublishErrAuthRevoked
	case "api_not_enabled", "access_not_configured":
		kind = domain.PublishErrAPINotEnabled
	case "rate_limited", "quota_exceeded":
		kind = domain.PublishErrRateLimited
	case "invalid_media", "unsupported_format", "too_large":
		kind = domain.PublishErrInvalidMedia
	}
	phase := domain.PublishPhase(status.Phase)
	if phase == "" {
		phase = domain.PhaseUploading
	}
	return &domain.PublishError{Kind: kind, Phase: phase, Message: status.ErrorMsg}
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, endpoint string, body, out any) error {
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	resolved := *c.baseURL
	basePath := strings.TrimSuffix(c.baseURL.Path, "/")
	resolved.Path = path.Clean(basePath + endpoint)
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, resolved.String(), buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveNetworkRequest("uploader", strings.ToLower(req.Method), req.URL.Path, start, err)
	if err != nil {
		return &domain.PublishError{Kind: domain.PublishErrNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		msg := strings.TrimSpace(string(data))
		kind := domain.PublishErrNetwork
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = domain.PublishErrAuthRevoked
		case http.StatusTooManyRequests:
			kind = domain.PublishErrRateLimited
		}
		return &domain.PublishError{Kind: kind, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, msg)}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.PublishError{Kind: domain.PublishErrNetwork, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}
