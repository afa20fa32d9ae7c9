package util

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxJSONBody bounds how much of a provider response is read.
const maxJSONBody = 16 << 20

// An HTTPStatusError is returned when a server responds with a non-2xx status.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
}

// Get performs a GET request with the given headers, returning the response only if its status is 2xx.
func Get(ctx context.Context, client *http.Client, url string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &HTTPStatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// GetJSON performs a GET request and decodes a 2xx JSON response body into v.
func GetJSON(ctx context.Context, client *http.Client, url string, header http.Header, v any) error {
	resp, err := Get(ctx, client, url, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONBody)).Decode(v); err != nil {
		return fmt.Errorf("malformed response from %s: %w", url, err)
	}
	return nil
}
