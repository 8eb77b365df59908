// Package backend is the REST client for message persistence. Chat
// messages are composed locally first; this client confirms them against
// the backend and loads conversation history.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Error reports a failed persistence call. Status is the HTTP status
// code, or 0 when the request never reached the backend.
type Error struct {
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend: %s: returned %d", e.Op, e.Status)
	}
	return fmt.Sprintf("backend: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RemoteMessage is one persisted message as returned by the history endpoint.
type RemoteMessage struct {
	ID         string    `json:"_id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Client talks to the message endpoints of the backend.
type Client struct {
	base      string
	authToken string
	client    *http.Client
}

// NewClient creates a bearer-authenticated client for baseURL.
func NewClient(baseURL, authToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		base:      strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
	}
}

// SendMessage persists one outbound message and returns the server-side id.
func (c *Client) SendMessage(ctx context.Context, receiverID, text string) (string, error) {
	body := map[string]string{"receiverId": receiverID, "text": text}
	var resp struct {
		ID      string        `json:"_id"`
		Message RemoteMessage `json:"message"`
	}
	if err := c.post(ctx, "/messages/send-msg", body, &resp, "send-msg"); err != nil {
		return "", err
	}
	id := resp.ID
	if id == "" {
		id = resp.Message.ID
	}
	if id == "" {
		return "", &Error{Op: "send-msg", Err: fmt.Errorf("response carried no message id")}
	}
	return id, nil
}

// History loads all persisted messages of the conversation with userID.
func (c *Client) History(ctx context.Context, userID string) ([]RemoteMessage, error) {
	var resp struct {
		Messages []RemoteMessage `json:"Message"`
	}
	if err := c.post(ctx, "/messages/show-msg/"+userID, struct{}{}, &resp, "show-msg"); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any, op string) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(buf))
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	res, err := c.client.Do(req)
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
