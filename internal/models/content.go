// Package models defines data structures for the distill content store.
package models

import (
	"fmt"
	"time"
)

// ContentType identifies what kind of source a content item came from.
type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeURL      ContentType = "url"
	ContentTypeDocument ContentType = "document"
	ContentTypeImage    ContentType = "image"
	ContentTypeAudio    ContentType = "audio"
)

// ContentTypes lists every supported content type.
var ContentTypes = []ContentType{
	ContentTypeText,
	ContentTypeURL,
	ContentTypeDocument,
	ContentTypeImage,
	ContentTypeAudio,
}

// ParseContentType validates a raw type string.
func ParseContentType(s string) (ContentType, error) {
	for _, t := range ContentTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown content type: %q", s)
}

// ProcessingStatus is the lifecycle state of a content item.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// CanTransition reports whether a content item may move from s to next.
// Status only moves forward; failed items re-enter processing on retry.
func (s ProcessingStatus) CanTransition(next ProcessingStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed || next == StatusProcessing
	case StatusFailed:
		return next == StatusProcessing
	default:
		return false
	}
}

// ContentItem is one unit of ingested content.
type ContentItem struct {
	ID               string           `json:"id"`
	OwnerID          string           `json:"owner_id"`
	Type             ContentType      `json:"type"`
	SourceRef        *string          `json:"source_ref,omitempty"` // URL or storage path
	Title            string           `json:"title"`
	RawText          *string          `json:"raw_text,omitempty"`     // text submitted by the caller
	ContentText      *string          `json:"content_text,omitempty"` // derived markdown
	MetaInfo         map[string]any   `json:"meta_info,omitempty"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	ErrorMessage     *string          `json:"error_message,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// ContentInput is the input structure for creating content items.
type ContentInput struct {
	OwnerID   string         `json:"owner_id"`
	Type      ContentType    `json:"type"`
	SourceRef *string        `json:"source_ref,omitempty"`
	Title     string         `json:"title"`
	RawText   *string        `json:"raw_text,omitempty"`
	MetaInfo  map[string]any `json:"meta_info,omitempty"`
}

// ContentResult carries the fields written when a pipeline run succeeds.
type ContentResult struct {
	Title       string
	ContentText string
	MetaInfo    map[string]any
}

// Source returns the source reference or an empty string.
func (c *ContentItem) Source() string {
	if c.SourceRef == nil {
		return ""
	}
	return *c.SourceRef
}
