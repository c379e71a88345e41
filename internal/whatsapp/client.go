// Package whatsapp talks to the WhatsApp Cloud API and parses its webhooks.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultAPIVersion = "v18.0"
)

// Options configures a Client.
type Options struct {
	BaseURL       string
	APIVersion    string
	PhoneNumberID string
	AccessToken   string
	HTTPClient    *http.Client
}

// Client calls the Graph API on behalf of one business phone number.
type Client struct {
	base          string
	phoneNumberID string
	token         string
	http          *http.Client
	logger        *zap.Logger
}

// APIError is a non-2xx reply from the Graph API.
type APIError struct {
	Status  int
	Code    int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("whatsapp api: status %d", e.Status)
	}
	return fmt.Sprintf("whatsapp api: status %d: %s (code %d)", e.Status, e.Message, e.Code)
}

// NewClient creates a Cloud API client.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	version := opts.APIVersion
	if version == "" {
		version = DefaultAPIVersion
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		base:          strings.TrimRight(base, "/") + "/" + version,
		phoneNumberID: opts.PhoneNumberID,
		token:         opts.AccessToken,
		http:          hc,
		logger:        logger,
	}
}

// PhoneNumberID returns the business phone number id messages are sent from.
func (c *Client) PhoneNumberID() string { return c.phoneNumberID }

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(status int, body []byte) error {
	apiErr := &APIError{Status: status}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		apiErr.Message = envelope.Error.Message
		apiErr.Type = envelope.Error.Type
		apiErr.Code = envelope.Error.Code
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// SendMessage posts a message and returns the accepted ids.
func (c *Client) SendMessage(ctx context.Context, msg OutgoingMessage) (*SendResponse, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/%s/messages", c.base, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out SendResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("message sent", zap.String("to", msg.To), zap.String("type", msg.Type), zap.String("wamid", out.MessageID()))
	return &out, nil
}

// UploadMedia uploads a file and returns its media id.
func (c *Client) UploadMedia(ctx context.Context, filename, contentType string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", err
	}
	if err := w.WriteField("type", contentType); err != nil {
		return "", err
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("buffer media: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/%s/media", c.base, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// MediaInfo resolves a media id to its temporary download URL.
func (c *Client) MediaInfo(ctx context.Context, mediaID string) (*MediaInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/"+mediaID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	var out MediaInfo
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DownloadMedia fetches the bytes behind a media URL returned by MediaInfo.
func (c *Client) DownloadMedia(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download media: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", decodeError(resp.StatusCode, data)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
