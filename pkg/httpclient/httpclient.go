package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// HTTPClient defines the interface for a generic HTTP client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the configuration for the custom HTTP client.
type Config struct {
	Timeout       time.Duration
	RetryCount    int
	RetryInterval time.Duration
	DedupTTL      time.Duration
	Logger        *logrus.Logger
}

// Client is a JSON HTTP client with retries and delivery de-duplication.
type Client struct {
	client HTTPClient
	config Config
	cache  *cache.Cache
	logger *logrus.Logger
}

// HTTPStatusError is returned when the response status code indicates an upstream error
type HTTPStatusError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d, msg: %s", e.StatusCode, e.Body)
}

// New creates a new instance of the custom HTTP client.
func New(config Config) *Client {
	if config.DedupTTL <= 0 {
		config.DedupTTL = 10 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	return &Client{
		client: &http.Client{
			Timeout: config.Timeout,
		},
		config: config,
		cache:  cache.New(config.DedupTTL, 2*config.DedupTTL),
		logger: config.Logger,
	}
}

// WithTransport swaps the underlying client, mainly for tests.
func (c *Client) WithTransport(hc HTTPClient) *Client {
	c.client = hc
	return c
}

// PostJSON sends body as JSON, retrying on transport errors and 5xx responses.
func (c *Client) PostJSON(ctx context.Context, url string, body interface{}, headers http.Header) ([]byte, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	var (
		resp     *http.Response
		respBody []byte
	)
	for i := 0; i < c.config.RetryCount+1; i++ {
		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
		if rerr != nil {
			return nil, rerr
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err = c.client.Do(req)
		if err == nil {
			respBody, err = io.ReadAll(resp.Body)
			resp.Body.Close()
			if err == nil && resp.StatusCode < http.StatusInternalServerError {
				break
			}
			if err == nil {
				err = &HTTPStatusError{StatusCode: resp.StatusCode, Body: respBody}
			}
		}
		c.logger.WithFields(logrus.Fields{
			"url":     url,
			"attempt": i + 1,
			"error":   err,
		}).Warn("Request failed, retrying...")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if i < c.config.RetryCount {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryInterval):
			}
		}
	}
	if err != nil {
		c.logger.WithField("error", err).Error("Request failed after retries")
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Body: respBody}
	}
	return respBody, nil
}

// PostJSONOnce is PostJSON guarded by an idempotency key: a key that was delivered
// successfully within DedupTTL is not sent again.
func (c *Client) PostJSONOnce(ctx context.Context, key, url string, body interface{}, headers http.Header) (bool, error) {
	if _, found := c.cache.Get(key); found {
		c.logger.WithField("key", key).Debug("duplicate delivery skipped")
		return false, nil
	}
	if headers == nil {
		headers = http.Header{}
	}
	headers.Set("Idempotency-Key", key)
	if _, err := c.PostJSON(ctx, url, body, headers); err != nil {
		return false, err
	}
	c.cache.SetDefault(key, struct{}{})
	return true, nil
}
