package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client issues JSON requests against the REST API through the authorizing transport.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a Client for the API base URL.
func NewClient(baseURL string, transport http.RoundTripper, timeout time.Duration) (*Client, error) {
	parsed, parseErr := url.Parse(strings.TrimSpace(baseURL))
	if parseErr != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("authclient.client: invalid base url %q", baseURL)
	}
	return &Client{
		baseURL:    strings.TrimRight(parsed.String(), "/"),
		httpClient: &http.Client{Transport: transport, Timeout: timeout},
	}, nil
}

// URL resolves an API path against the base URL. The path may carry a query string.
func (client *Client) URL(path string) string {
	return client.baseURL + "/" + strings.TrimLeft(path, "/")
}

// Do sends a request for the API path and returns the raw response.
func (client *Client) Do(ctx context.Context, method string, path string, body io.Reader, header http.Header) (*http.Response, error) {
	request, requestErr := http.NewRequestWithContext(ctx, method, client.URL(path), body)
	if requestErr != nil {
		return nil, fmt.Errorf("authclient.client.request: %w", requestErr)
	}
	for name, values := range header {
		for _, value := range values {
			request.Header.Add(name, value)
		}
	}
	if request.Header.Get("Accept") == "" {
		request.Header.Set("Accept", "application/json")
	}
	return client.httpClient.Do(request)
}

// GetJSON decodes the JSON body of GET path into target.
func (client *Client) GetJSON(ctx context.Context, path string, target interface{}) error {
	return client.SendJSON(ctx, http.MethodGet, path, nil, target)
}

// SendJSON encodes payload, sends it, and decodes a 2xx body into target. Non-2xx
// responses become *ResponseError.
func (client *Client) SendJSON(ctx context.Context, method string, path string, payload interface{}, target interface{}) error {
	operation := method + " " + path
	var body io.Reader
	header := http.Header{}
	if payload != nil {
		encoded, encodeErr := json.Marshal(payload)
		if encodeErr != nil {
			return fmt.Errorf("authclient.client.encode: %w", encodeErr)
		}
		body = bytes.NewReader(encoded)
		header.Set("Content-Type", "application/json")
	}
	response, doErr := client.Do(ctx, method, path, body, header)
	if doErr != nil {
		return doErr
	}
	defer func() { _ = response.Body.Close() }()

	responseBody, readErr := io.ReadAll(response.Body)
	if readErr != nil && !errors.Is(readErr, io.EOF) {
		return fmt.Errorf("authclient.client.read: %w", readErr)
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return newResponseError(operation, response.StatusCode, responseBody)
	}
	if target == nil || len(bytes.TrimSpace(responseBody)) == 0 {
		return nil
	}
	if decodeErr := json.Unmarshal(responseBody, target); decodeErr != nil {
		return fmt.Errorf("authclient.client.decode: %w", decodeErr)
	}
	return nil
}
