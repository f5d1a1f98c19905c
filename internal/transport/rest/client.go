// Package rest implements the platform's REST fallback surface, used to
// initialize conversations and to keep working while the socket is down.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	stdhttp "net/http"
	"net/url"
	"time"

	"github.com/edline/chatsync/internal/auth"
	"github.com/edline/chatsync/internal/chat"
	"github.com/edline/chatsync/internal/proto"
)

// Client calls the communication endpoints of the platform API.
type Client struct {
	baseURL string
	creds   auth.Credentials
	http    *stdhttp.Client
}

// NewClient builds a REST client for the API at baseURL.
func NewClient(baseURL string, creds auth.Credentials) *Client {
	return &Client{
		baseURL: baseURL,
		creds:   creds,
		http:    &stdhttp.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := stdhttp.NewRequestWithContext(ctx, method, u, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.creds.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, chat.ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, chat.ErrTransportUnavailable)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, chat.ErrTransportRejected)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// List fetches a conversation's messages.
// GET /communication/list?courseId&channelType
func (c *Client) List(ctx context.Context, courseID string, channel chat.Channel) ([]chat.Message, error) {
	query := url.Values{}
	query.Set("courseId", courseID)
	query.Set("channelType", string(channel))

	var records []proto.Communication
	if err := c.do(ctx, stdhttp.MethodGet, "/communication/list", query, nil, &records); err != nil {
		return nil, err
	}
	return proto.CommunicationsToChat(records), nil
}

// Send delivers a message over REST.
// POST /communication/send
func (c *Client) Send(ctx context.Context, data proto.SendMessageData) (chat.Message, error) {
	var record proto.Communication
	if err := c.do(ctx, stdhttp.MethodPost, "/communication/send", nil, data, &record); err != nil {
		return chat.Message{}, err
	}
	return record.ToChat(), nil
}

// MarkRead acknowledges a communication.
// POST /communication/read/:id
func (c *Client) MarkRead(ctx context.Context, communicationID string) error {
	return c.do(ctx, stdhttp.MethodPost, "/communication/read/"+communicationID, nil, nil, nil)
}

// Sent fetches the caller's sent history.
// GET /communication/sent
func (c *Client) Sent(ctx context.Context) ([]chat.Message, error) {
	var records []proto.Communication
	if err := c.do(ctx, stdhttp.MethodGet, "/communication/sent", nil, nil, &records); err != nil {
		return nil, err
	}
	return proto.CommunicationsToChat(records), nil
}
