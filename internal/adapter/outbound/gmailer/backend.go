// Package gmailer is the HTTP mail-provider backend. It speaks a JSON REST
// surface (list, get, send, search) and normalizes responses into the
// provider-agnostic record shape.
//
// Error classification drives the router's retry behavior: network errors,
// HTTP 5xx, and HTTP 429 are transient; everything else is permanent.
package gmailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/trustgate/trustgate/internal/domain/provider"
	"github.com/trustgate/trustgate/internal/domain/trust"
)

// TokenFunc returns a bearer token for the account, refreshing when needed.
type TokenFunc func(ctx context.Context, acct provider.LiveAccount) (string, error)

// Backend implements provider.Backend over an HTTP JSON mail API.
type Backend struct {
	baseURL    string
	httpClient *http.Client
	token      TokenFunc
	logger     *slog.Logger
}

var _ provider.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.httpClient = c }
}

// New creates a backend rooted at baseURL.
func New(baseURL string, token TokenFunc, logger *slog.Logger, opts ...Option) *Backend {
	b := &Backend{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		token:      token,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// wireMessage is the provider's message shape.
type wireMessage struct {
	ID             string           `json:"id"`
	ThreadID       string           `json:"threadId,omitempty"`
	Subject        string           `json:"subject"`
	From           string           `json:"from"`
	To             []string         `json:"to"`
	Cc             []string         `json:"cc,omitempty"`
	Bcc            []string         `json:"bcc,omitempty"`
	ReplyTo        string           `json:"replyTo,omitempty"`
	Body           string           `json:"body,omitempty"`
	HTMLBody       string           `json:"htmlBody,omitempty"`
	Snippet        string           `json:"snippet,omitempty"`
	InternalDateMs int64            `json:"internalDate"`
	Unread         bool             `json:"unread"`
	Starred        bool             `json:"starred,omitempty"`
	Labels         []string         `json:"labels,omitempty"`
	Attachments    []wireAttachment `json:"attachments,omitempty"`
}

type wireAttachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

type wireMessageList struct {
	Messages []wireMessage `json:"messages"`
}

// List returns recent messages for the account.
func (b *Backend) List(ctx context.Context, acct provider.LiveAccount, q provider.ListQuery) ([]provider.NormalizedRecord, error) {
	params := url.Values{}
	if q.MaxResults > 0 {
		params.Set("maxResults", strconv.Itoa(q.MaxResults))
	}
	if q.Query != "" {
		params.Set("q", q.Query)
	}
	for _, l := range q.Labels {
		params.Add("label", l)
	}
	if q.IsRead != nil {
		params.Set("unread", strconv.FormatBool(!*q.IsRead))
	}

	var list wireMessageList
	if err := b.get(ctx, acct, "/messages", params, &list); err != nil {
		return nil, err
	}
	return normalizeAll(list.Messages), nil
}

// Read returns one message by its provider-local id.
func (b *Backend) Read(ctx context.Context, acct provider.LiveAccount, providerEntityID string) (*provider.NormalizedRecord, error) {
	var msg wireMessage
	err := b.get(ctx, acct, "/messages/"+url.PathEscape(providerEntityID), nil, &msg)
	if err != nil {
		return nil, err
	}
	rec := normalize(msg)
	return &rec, nil
}

// Send delivers a draft and returns the provider message id.
func (b *Backend) Send(ctx context.Context, acct provider.LiveAccount, d provider.Draft) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"to":       d.To,
		"cc":       d.Cc,
		"bcc":      d.Bcc,
		"subject":  d.Subject,
		"body":     d.Body,
		"htmlBody": d.HTMLBody,
		"replyTo":  d.ReplyTo,
	})
	if err != nil {
		return "", trust.E(trust.KindInternal, "gmailer.send", err)
	}

	var sent struct {
		ID string `json:"id"`
	}
	if err := b.do(ctx, acct, http.MethodPost, "/messages/send", nil, payload, &sent); err != nil {
		return "", err
	}
	if sent.ID == "" {
		return "", trust.Permanent("gmailer.send", 0,
			fmt.Errorf("provider returned no message id"))
	}
	return sent.ID, nil
}

// Search returns messages matching the query.
func (b *Backend) Search(ctx context.Context, acct provider.LiveAccount, q provider.SearchQuery) ([]provider.NormalizedRecord, error) {
	params := url.Values{}
	if q.Query != "" {
		params.Set("q", q.Query)
	}
	if q.MaxResults > 0 {
		params.Set("maxResults", strconv.Itoa(q.MaxResults))
	}
	if q.From != "" {
		params.Set("from", q.From)
	}
	if q.To != "" {
		params.Set("to", q.To)
	}
	if q.Subject != "" {
		params.Set("subject", q.Subject)
	}
	if q.HasAttachment != nil {
		params.Set("hasAttachment", strconv.FormatBool(*q.HasAttachment))
	}
	if q.DateFromMs > 0 {
		params.Set("after", strconv.FormatInt(q.DateFromMs, 10))
	}
	if q.DateToMs > 0 {
		params.Set("before", strconv.FormatInt(q.DateToMs, 10))
	}

	var list wireMessageList
	if err := b.get(ctx, acct, "/messages/search", params, &list); err != nil {
		return nil, err
	}
	return normalizeAll(list.Messages), nil
}

func (b *Backend) get(ctx context.Context, acct provider.LiveAccount, path string, params url.Values, out any) error {
	return b.do(ctx, acct, http.MethodGet, path, params, nil, out)
}

// do performs one authenticated request and decodes the response.
func (b *Backend) do(ctx context.Context, acct provider.LiveAccount, method, path string, params url.Values, body []byte, out any) error {
	op := "gmailer." + method + " " + path

	token, err := b.token(ctx, acct)
	if err != nil {
		return err
	}

	u := b.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return trust.E(trust.KindInternal, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		// Network failures are worth another attempt.
		return trust.Transient(op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("provider returned %d: %s", resp.StatusCode, detail)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return trust.Transient(op, resp.StatusCode, err)
		}
		return trust.Permanent(op, resp.StatusCode, err)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return trust.Permanent(op, resp.StatusCode,
			fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func normalizeAll(msgs []wireMessage) []provider.NormalizedRecord {
	out := make([]provider.NormalizedRecord, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, normalize(m))
	}
	return out
}

// normalize converts a wire message. The account and plugin fields are
// stamped by the router after the call returns.
func normalize(m wireMessage) provider.NormalizedRecord {
	attachments := make([]provider.Attachment, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, provider.Attachment{
			Filename:  a.Filename,
			MimeType:  a.MimeType,
			SizeBytes: a.Size,
		})
	}
	if len(attachments) == 0 {
		attachments = nil
	}
	return provider.NormalizedRecord{
		ID:             m.ID,
		Subject:        m.Subject,
		From:           m.From,
		To:             m.To,
		Cc:             m.Cc,
		Bcc:            m.Bcc,
		ReplyTo:        m.ReplyTo,
		Body:           m.Body,
		HTMLBody:       m.HTMLBody,
		Snippet:        m.Snippet,
		TimestampMs:    m.InternalDateMs,
		IsRead:         !m.Unread,
		IsStarred:      m.Starred,
		Labels:         m.Labels,
		ThreadID:       m.ThreadID,
		HasAttachments: len(attachments) > 0,
		Attachments:    attachments,
	}
}
