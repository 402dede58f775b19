package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Client is the HTTP implementation of the backend interfaces.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

// NewClient creates a backend client for the given base URL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     logger.Named("remote"),
	}
}

// SendMessage posts the message and returns the server acknowledgement.
func (c *Client) SendMessage(ctx context.Context, msg OutboundMessage) (Ack, error) {
	var ack Ack
	if err := c.postJSON(ctx, "/v1/messages", msg, &ack); err != nil {
		return Ack{}, fmt.Errorf("send message: %w", err)
	}
	c.log.Debug("message acknowledged",
		zap.String("client_msg_id", msg.ClientMsgID),
		zap.String("server_id", ack.ServerID))
	return ack, nil
}

// GenerateUploadURL requests a signed upload target for one attachment.
func (c *Client) GenerateUploadURL(ctx context.Context, chatID, fileName, contentType string) (UploadTarget, error) {
	req := struct {
		ChatID      string `json:"chatId"`
		FileName    string `json:"fileName"`
		ContentType string `json:"contentType"`
	}{chatID, fileName, contentType}

	var target UploadTarget
	if err := c.postJSON(ctx, "/v1/uploads", req, &target); err != nil {
		return UploadTarget{}, fmt.Errorf("generate upload url: %w", err)
	}
	return target, nil
}

// RefreshReadURL reissues a read URL for a stored blob. Only the read side
// changes; nothing is re-uploaded.
func (c *Client) RefreshReadURL(ctx context.Context, filePath string) (UploadTarget, error) {
	req := struct {
		FilePath string `json:"filePath"`
	}{filePath}

	var target UploadTarget
	if err := c.postJSON(ctx, "/v1/uploads/refresh", req, &target); err != nil {
		return UploadTarget{}, fmt.Errorf("refresh read url: %w", err)
	}
	return target, nil
}

// PutBlob uploads the attachment bytes to the issued URL. The URL is
// absolute and pre-signed; no auth headers are added.
func (c *Client) PutBlob(ctx context.Context, uploadURL, contentType string, body io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, body)
	if err != nil {
		return fmt.Errorf("put blob: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if size > 0 {
		req.ContentLength = size
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("put blob: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("put blob: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// FetchMessages fetches a history page for the chat. A cursorMs of zero
// means "from the edge" in the given direction.
func (c *Client) FetchMessages(ctx context.Context, chatID, direction string, cursorMs int64, limit int) ([]InboundMessage, error) {
	q := url.Values{}
	q.Set("direction", direction)
	q.Set("limit", strconv.Itoa(limit))
	if cursorMs > 0 {
		q.Set("cursor", strconv.FormatInt(cursorMs, 10))
	}
	path := "/v1/chats/" + url.PathEscape(chatID) + "/messages?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch messages: unexpected status %d", resp.StatusCode)
	}

	var page struct {
		Messages []InboundMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode messages page: %w", err)
	}
	return page.Messages, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
