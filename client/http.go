package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// apiError is the error body returned by the node.
type apiError struct {
	Error string `json:"error"`
}

// httpPost sends raw bytes and decodes the JSON response.
func httpPost(ctx context.Context, url string, body []byte, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request:\n%w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	return do(req, http.StatusAccepted, result)
}

// httpGet performs a GET request and decodes the JSON response.
func httpGet(ctx context.Context, url string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request:\n%w", err)
	}

	return do(req, http.StatusOK, result)
}

// do executes req and decodes the body when the status matches want.
func do(req *http.Request, want int, result any) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s:\n%w", req.Method, req.URL, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != want {
		var e apiError
		json.NewDecoder(resp.Body).Decode(&e)

		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL, resp.StatusCode, e.Error)
	}

	return json.NewDecoder(resp.Body).Decode(result)
}
