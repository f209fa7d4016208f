package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// response carries the parts of a coordinator reply the client inspects.
type response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// methodURL builds <baseURL>/<prefix><method><suffix>?api_key=...&<query>.
func (c *Client) methodURL(method string, query url.Values) string {
	q := url.Values{}
	q.Set("api_key", c.cfg.APIKey)
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	return fmt.Sprintf("%s/%s%s%s?%s", c.cfg.BaseURL, c.cfg.PathPrefix, method, c.cfg.PathSuffix, q.Encode())
}

// do sends one request bounded by timeout and reads the whole body.
func (c *Client) do(ctx context.Context, httpMethod, rawURL string, timeout time.Duration, body []byte) (response, error) {
	var info response

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, rawURL, reader)
	if err != nil {
		return info, fmt.Errorf("build request failed: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	info.Duration = time.Since(start)
	if err != nil {
		return info, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	info.StatusCode = resp.StatusCode
	info.Headers = resp.Header
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return info, fmt.Errorf("read response body failed: %w", err)
	}
	info.Body = bodyBytes
	return info, nil
}
