package models

import "time"

// AssetKind names the derivative artifact stored for a content item.
type AssetKind string

const (
	AssetProcessedMarkdown AssetKind = "processed_markdown"
	AssetMetadata          AssetKind = "metadata"
)

// ContentAsset points at a derived artifact held in blob storage.
// Assets are append-only.
type ContentAsset struct {
	ID        string    `json:"id"`
	ContentID string    `json:"content_id"`
	Kind      AssetKind `json:"kind"`
	Locator   string    `json:"locator"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}
