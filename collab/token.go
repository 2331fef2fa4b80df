package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// tokenResponse is the body returned by the token-exchange endpoint.
type tokenResponse struct {
	Token string `json:"token"`
}

// exchangeToken POSTs the session credential to the token-exchange endpoint
// and returns the short-lived connection credential. A failure here surfaces
// as a connection-establishment failure to the Connect caller; it is never
// silently retried on its own.
func exchangeToken(ctx context.Context, httpClient *http.Client, tokenURL, sessionToken string) (string, error) {
	body, err := json.Marshal(map[string]string{"sessionToken": sessionToken})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("token exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+sessionToken)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("token exchange: unexpected status %s", resp.Status)
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("token exchange: decode response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("token exchange: empty token in response")
	}
	return out.Token, nil
}

// NormalizeWsURL converts an HTTP(S) URL to its WebSocket equivalent and
// strips any trailing slash. URLs already using ws/wss pass through.
func NormalizeWsURL(httpOrWsURL string) string {
	out := strings.TrimSuffix(httpOrWsURL, "/")
	if strings.HasPrefix(out, "http:") {
		return "ws:" + out[len("http:"):]
	}
	if strings.HasPrefix(out, "https:") {
		return "wss:" + out[len("https:"):]
	}
	return out
}

// wsURLWithToken appends the connection credential as a query parameter,
// escaped so tokens carrying reserved characters survive intact.
func wsURLWithToken(base, token string) string {
	out := NormalizeWsURL(base)
	if token == "" {
		return out
	}
	sep := "?"
	if strings.Contains(out, "?") {
		sep = "&"
	}
	return out + sep + "token=" + url.QueryEscape(token)
}
