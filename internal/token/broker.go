// Package token fetches short-lived signaling (RTM) and media (RTC)
// credentials from the backend. The broker is stateless — tokens are
// requested fresh per login / per call and never cached here.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Token is a short-lived credential minted by the backend.
type Token string

// Error reports a failed token fetch. Status is the HTTP status code,
// or 0 when the request never reached the backend.
type Error struct {
	Op     string // "signaling-token" or "media-token"
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("token: %s: backend returned %d", e.Op, e.Status)
	}
	return fmt.Sprintf("token: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Broker requests tokens from the backend token endpoints.
type Broker struct {
	base      string
	authToken string
	client    *http.Client
}

// NewBroker creates a broker for the backend at baseURL. Requests are
// bearer-authenticated with authToken and time-boxed by timeout.
func NewBroker(baseURL, authToken string, timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Broker{
		base:      strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
	}
}

// GetSignalingToken fetches an RTM token for identity.
func (b *Broker) GetSignalingToken(ctx context.Context, identity string) (Token, error) {
	var resp struct {
		Status string `json:"status"`
		Token  string `json:"agoraToken"`
	}
	err := b.post(ctx, "/agora/generate-rtm-token", map[string]string{"uid": identity}, &resp, "signaling-token")
	if err != nil {
		return "", err
	}
	if resp.Status != "success" || resp.Token == "" {
		return "", &Error{Op: "signaling-token", Err: fmt.Errorf("backend rejected request (status %q)", resp.Status)}
	}
	return Token(resp.Token), nil
}

// GetMediaToken fetches an RTC token for identity on channelName.
func (b *Broker) GetMediaToken(ctx context.Context, channelName, identity string) (Token, error) {
	var resp struct {
		Status string `json:"status"`
		Token  string `json:"token"`
	}
	body := map[string]string{"channelName": channelName, "uid": identity}
	err := b.post(ctx, "/agora/generate-rtc-token", body, &resp, "media-token")
	if err != nil {
		return "", err
	}
	if resp.Status != "success" || resp.Token == "" {
		return "", &Error{Op: "media-token", Err: fmt.Errorf("backend rejected request (status %q)", resp.Status)}
	}
	return Token(resp.Token), nil
}

func (b *Broker) post(ctx context.Context, path string, body, out any, op string) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+path, bytes.NewReader(buf))
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if b.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.authToken)
	}

	res, err := b.client.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &Error{Op: op, Status: res.StatusCode, Err: fmt.Errorf("unexpected status %s", res.Status)}
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &Error{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
