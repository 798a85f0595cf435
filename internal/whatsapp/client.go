// Package whatsapp talks to the WhatsApp Cloud (Graph) API: text and
// template sends plus media download.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/observer"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

const maxMediaBytes = 16 << 20

// Account identifies the sending business number of a client.
type Account struct {
	PhoneNumberID string
	AccessToken   string // empty uses the client default token
}

// Media is a downloaded inbound attachment.
type Media struct {
	Data     []byte
	MimeType string
}

// Sender is the outbound surface used by the engine.
type Sender interface {
	SendText(ctx context.Context, account Account, to, body string) (string, error)
	SendSequential(ctx context.Context, account Account, to string, segments []string, delay time.Duration) ([]string, error)
	SendTemplate(ctx context.Context, account Account, to, name, language string, components []TemplateComponent) (string, error)
	DownloadMedia(ctx context.Context, account Account, mediaID string) (*Media, error)
}

// Config configures the Graph API client.
type Config struct {
	BaseURL      string
	APIVersion   string
	DefaultToken string
	Timeout      time.Duration
	MaxRetries   uint64
}

// Client is a Sender backed by the Graph API.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiVersion   string
	defaultToken string
	maxRetries   uint64
}

// NewClient creates a Graph API client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://graph.facebook.com"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v20.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion:   cfg.APIVersion,
		defaultToken: cfg.DefaultToken,
		maxRetries:   cfg.MaxRetries,
	}
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendText sends one text message and returns its wamid.
func (c *Client) SendText(ctx context.Context, account Account, to, body string) (string, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"body": body, "preview_url": false},
	}
	id, err := c.sendMessage(ctx, account, payload)
	observer.IncOutboundMessages("text", err)
	return id, err
}

// SendSequential sends segments in order, waiting delay between them. Blank
// segments are skipped. On failure the ids sent so far are returned with the error.
func (c *Client) SendSequential(ctx context.Context, account Account, to string, segments []string, delay time.Duration) ([]string, error) {
	ids := make([]string, 0, len(segments))
	sent := 0
	for i, segment := range segments {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		if sent > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return ids, fmt.Errorf("%w: interrupted before segment %d: %w", apperrors.ErrTimeout, i, ctx.Err())
			case <-time.After(delay):
			}
		}
		id, err := c.SendText(ctx, account, to, segment)
		if err != nil {
			return ids, fmt.Errorf("segment %d of %d: %w", i+1, len(segments), err)
		}
		ids = append(ids, id)
		sent++
	}
	return ids, nil
}

// SendTemplate sends an approved template message.
func (c *Client) SendTemplate(ctx context.Context, account Account, to, name, language string, components []TemplateComponent) (string, error) {
	template := map[string]any{
		"name":     name,
		"language": map[string]any{"code": language},
	}
	if len(components) > 0 {
		template["components"] = components
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "template",
		"template":          template,
	}
	id, err := c.sendMessage(ctx, account, payload)
	observer.IncOutboundMessages("template", err)
	return id, err
}

func (c *Client) sendMessage(ctx context.Context, account Account, payload map[string]any) (string, error) {
	if account.PhoneNumberID == "" {
		return "", fmt.Errorf("%w: missing phone number id", apperrors.ErrValidation)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: marshal payload: %w", apperrors.ErrBadRequest, err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.apiVersion, account.PhoneNumberID)
	var parsed sendResponse
	err = c.do(ctx, "send", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, account, func(resp *http.Response) error {
		return json.NewDecoder(resp.Body).Decode(&parsed)
	})
	if err != nil {
		return "", err
	}
	if len(parsed.Messages) == 0 {
		return "", nil
	}
	return parsed.Messages[0].ID, nil
}

// DownloadMedia resolves a media id to its URL and fetches the bytes.
func (c *Client) DownloadMedia(ctx context.Context, account Account, mediaID string) (*Media, error) {
	if mediaID == "" {
		return nil, fmt.Errorf("%w: missing media id", apperrors.ErrValidation)
	}

	var meta struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	metaURL := fmt.Sprintf("%s/%s/%s", c.baseURL, c.apiVersion, mediaID)
	err := c.do(ctx, "media_lookup", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, metaURL, nil)
	}, account, func(resp *http.Response) error {
		return json.NewDecoder(resp.Body).Decode(&meta)
	})
	if err != nil {
		return nil, err
	}
	if meta.URL == "" {
		return nil, fmt.Errorf("%w: media %s has no url", apperrors.ErrExternal, mediaID)
	}

	media := &Media{MimeType: meta.MimeType}
	err = c.do(ctx, "media_download", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	}, account, func(resp *http.Response) error {
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
		if err != nil {
			return err
		}
		if len(data) > maxMediaBytes {
			return backoff.Permanent(fmt.Errorf("%w: media %s exceeds %d bytes", apperrors.ErrBadRequest, mediaID, maxMediaBytes))
		}
		media.Data = data
		if ct := resp.Header.Get("Content-Type"); media.MimeType == "" && ct != "" {
			media.MimeType = ct
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return media, nil
}

// do runs one authenticated request with retries. 429 and 5xx responses
// and network errors are retried; other 4xx responses are permanent.
func (c *Client) do(ctx context.Context, op string, build func() (*http.Request, error), account Account, decode func(*http.Response) error) error {
	token := account.AccessToken
	if token == "" {
		token = c.defaultToken
	}
	if token == "" {
		return fmt.Errorf("%w: no WhatsApp access token configured", apperrors.ErrUnauthorized)
	}

	operation := func() error {
		req, err := build()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: build request: %w", apperrors.ErrBadRequest, err))
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("%w: %w", apperrors.ErrTimeout, ctx.Err()))
			}
			return fmt.Errorf("%w: %s: %w", apperrors.ErrExternal, op, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return classifyStatus(op, resp)
		}
		if err := decode(resp); err != nil {
			var permanent *backoff.PermanentError
			if errors.As(err, &permanent) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("%w: decode %s response: %w", apperrors.ErrExternal, op, err))
		}
		return nil
	}

	notify := func(err error, d time.Duration) {
		logger.FromContext(ctx).Warn("Retrying WhatsApp request",
			zap.String("operation", op),
			zap.Error(err),
			zap.Duration("after", d),
		)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 30 * time.Second
	var b backoff.BackOff = backoff.WithMaxRetries(policy, c.maxRetries)

	return backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
}

func classifyStatus(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := strings.TrimSpace(string(raw))
	var ge graphError
	if json.Unmarshal(raw, &ge) == nil && ge.Error.Message != "" {
		detail = fmt.Sprintf("code=%d %s", ge.Error.Code, ge.Error.Message)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s: status=%d %s", apperrors.ErrRateLimited, op, resp.StatusCode, detail)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s: status=%d %s", apperrors.ErrExternal, op, resp.StatusCode, detail)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return backoff.Permanent(fmt.Errorf("%w: %s: status=%d %s", apperrors.ErrUnauthorized, op, resp.StatusCode, detail))
	default:
		return backoff.Permanent(fmt.Errorf("%w: %s: status=%d %s", apperrors.ErrBadRequest, op, resp.StatusCode, detail))
	}
}

var _ Sender = (*Client)(nil)
