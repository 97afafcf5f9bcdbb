package billingclient

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

type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
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

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type subscriptionResponse struct {
	OwnerID   int64      `json:"owner_id"`
	Tier      string     `json:"tier"`
	Active    bool       `json:"active"`
	ExpiresAt *time.Time `json:"expires_at"`
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
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

var _ domain.SubscriptionLookup = (*Client)(nil)

// GetSubscription возвращает подписку владельца. Владелец без записи в
// биллинге считается неактивным бесплатным тарифом.
func (c *Client) GetSubscription(ctx context.Context, ownerID int64) (domain.Subscription, error) {
	var resp subscriptionResponse
	endpoint := fmt.Sprintf("/api/v1/subscriptions/by-owner/%d", ownerID)
	err := c.get(ctx, endpoint, &resp)
	if err != nil {
		if strings.Contains(err.Error(), "subscription_not_found") {
			return domain.Subscription{OwnerID: ownerID, Tier: domain.PlanFree, Active: false}, nil
		}
		return domain.Subscription{}, err
	}
	return domain.Subscription{
		OwnerID:   resp.OwnerID,
		Tier:      domain.PlanTier(resp.Tier),
		Active:    resp.Active,
		ExpiresAt: resp.ExpiresAt,
	}, nil
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
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
	metrics.ObserveNetworkRequest("billing", strings.ToLower(req.Method), req.URL.Path, start, err)
	if err != nil {
		return fmt.Errorf("billing api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr apiError
		data, readErr := io.ReadAll(resp.Body)
		if readErr == nil && len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Code == "" && resp.StatusCode == http.StatusNotFound {
			apiErr.Code = "subscription_not_found"
		}
		if apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return fmt.Errorf("billing api error [%s]: status=%d message=%s", apiErr.Code, resp.StatusCode, apiErr.Error)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
