// Package provider defines the uniform backend contract each plugin
// implements and the normalized record shape the router merges.
package provider

import (
	"github.com/trustgate/trustgate/internal/domain/account"
)

// Category is a domain tag grouping plugins.
type Category string

const (
	CategoryEmail    Category = "email"
	CategoryCalendar Category = "calendar"
	CategoryTask     Category = "task"
	CategoryNotes    Category = "notes"
	CategoryStorage  Category = "storage"
	CategorySystem   Category = "system"
)

// Attachment describes one attachment on a normalized record.
type Attachment struct {
	Filename  string `json:"filename"`
	MimeType  string `json:"mimeType,omitempty"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
}

// NormalizedRecord is the provider-agnostic email envelope used in-core.
// The id and accountId fields are real (provider-local) identifiers; the
// router translates them before anything leaves the gateway.
type NormalizedRecord struct {
	ID             string       `json:"id"`
	AccountID      string       `json:"accountId"`
	PluginID       string       `json:"pluginId"`
	Subject        string       `json:"subject"`
	From           string       `json:"from"`
	To             []string     `json:"to"`
	Cc             []string     `json:"cc,omitempty"`
	Bcc            []string     `json:"bcc,omitempty"`
	ReplyTo        string       `json:"replyTo,omitempty"`
	Body           string       `json:"body,omitempty"`
	HTMLBody       string       `json:"htmlBody,omitempty"`
	Snippet        string       `json:"snippet,omitempty"`
	TimestampMs    int64        `json:"timestampMs"`
	IsRead         bool         `json:"isRead"`
	IsStarred      bool         `json:"isStarred,omitempty"`
	Labels         []string     `json:"labels,omitempty"`
	ThreadID       string       `json:"threadId,omitempty"`
	HasAttachments bool         `json:"hasAttachments"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// VirtualRecord is the agent-facing variant: pluginId is omitted and the
// id/accountId fields carry virtual identifiers.
type VirtualRecord struct {
	ID             string       `json:"id"`
	AccountID      string       `json:"accountId"`
	Subject        string       `json:"subject"`
	From           string       `json:"from"`
	To             []string     `json:"to"`
	Cc             []string     `json:"cc,omitempty"`
	Bcc            []string     `json:"bcc,omitempty"`
	ReplyTo        string       `json:"replyTo,omitempty"`
	Body           string       `json:"body,omitempty"`
	HTMLBody       string       `json:"htmlBody,omitempty"`
	Snippet        string       `json:"snippet,omitempty"`
	TimestampMs    int64        `json:"timestampMs"`
	IsRead         bool         `json:"isRead"`
	IsStarred      bool         `json:"isStarred,omitempty"`
	Labels         []string     `json:"labels,omitempty"`
	ThreadID       string       `json:"threadId,omitempty"`
	HasAttachments bool         `json:"hasAttachments"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// LiveAccount composes an account with its decrypted credential payload.
// Backends receive live accounts; the router assembles them during
// discovery and skips accounts whose credentials are missing.
type LiveAccount struct {
	Account     account.Account
	Credentials account.Payload
}

// Draft is an outbound message passed to Send.
type Draft struct {
	To       []string `json:"to"`
	Cc       []string `json:"cc,omitempty"`
	Bcc      []string `json:"bcc,omitempty"`
	Subject  string   `json:"subject"`
	Body     string   `json:"body"`
	HTMLBody string   `json:"htmlBody,omitempty"`
	ReplyTo  string   `json:"replyTo,omitempty"`
}

// ListQuery narrows a mailbox listing.
type ListQuery struct {
	MaxResults int
	Query      string
	Labels     []string
	// IsRead filters by read state when non-nil.
	IsRead *bool
}

// SearchQuery narrows a mailbox search.
type SearchQuery struct {
	Query         string
	MaxResults    int
	From          string
	To            string
	Subject       string
	HasAttachment *bool
	// DateFrom/DateTo bound the search window, milliseconds since epoch;
	// zero is unbounded.
	DateFromMs int64
	DateToMs   int64
}
