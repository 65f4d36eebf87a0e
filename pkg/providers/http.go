package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Probe responses are small; anything beyond this is not read.
const maxProbeBody = 1 << 20

// getJSON issues an authenticated GET and decodes a 2xx body into out.
// All failures come back as *ProbeError.
func getJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, out any) (http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, &ProbeError{Kind: ErrProviderNetwork}
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, Classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return nil, nil, Classify(err)
	}

	if err := statusError(resp.StatusCode); err != nil {
		return resp.Header, body, err
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.Header, body, &ProbeError{Kind: ErrMalformedResponse, StatusCode: resp.StatusCode}
		}
	}

	return resp.Header, body, nil
}

// headerInt reads a non-negative integer header such as
// x-ratelimit-remaining-tokens.
func headerInt(h http.Header, name string) (*int64, bool) {
	raw := strings.TrimSpace(h.Get(name))
	if raw == "" {
		return nil, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return nil, false
	}
	return &v, true
}
