package db

import (
	"fmt"
	"time"

	"github.com/raphaelgruber/distill/internal/models"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Table names.
const (
	tableContent = "content_item"
	tableJob     = "processing_job"
	tableChunk   = "content_chunk"
	tableAsset   = "content_asset"
)

// RecordIDString safely extracts the string ID from a SurrealDB RecordID.
// Returns an error if the ID is not a string type.
func RecordIDString(id surrealmodels.RecordID) (string, error) {
	s, ok := id.ID.(string)
	if !ok {
		return "", fmt.Errorf("unexpected ID type: %T (expected string)", id.ID)
	}
	return s, nil
}

// contentRecord is the SurrealDB shape of a content item.
type contentRecord struct {
	ID               surrealmodels.RecordID `json:"id"`
	OwnerID          string                 `json:"owner_id"`
	Type             string                 `json:"type"`
	SourceRef        *string                `json:"source_ref,omitempty"`
	Title            string                 `json:"title"`
	RawText          *string                `json:"raw_text,omitempty"`
	ContentText      *string                `json:"content_text,omitempty"`
	MetaInfo         map[string]any         `json:"meta_info,omitempty"`
	ProcessingStatus string                 `json:"processing_status"`
	ErrorMessage     *string                `json:"error_message,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

func (r contentRecord) model() (*models.ContentItem, error) {
	id, err := RecordIDString(r.ID)
	if err != nil {
		return nil, err
	}
	return &models.ContentItem{
		ID:               id,
		OwnerID:          r.OwnerID,
		Type:             models.ContentType(r.Type),
		SourceRef:        r.SourceRef,
		Title:            r.Title,
		RawText:          r.RawText,
		ContentText:      r.ContentText,
		MetaInfo:         r.MetaInfo,
		ProcessingStatus: models.ProcessingStatus(r.ProcessingStatus),
		ErrorMessage:     r.ErrorMessage,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}, nil
}

type jobRecord struct {
	ID            surrealmodels.RecordID `json:"id"`
	ContentID     string                 `json:"content_id"`
	ProcessorName string                 `json:"processor_name"`
	Status        string                 `json:"status"`
	Parameters    map[string]any         `json:"parameters,omitempty"`
	Result        map[string]any         `json:"result,omitempty"`
	ErrorMessage  *string                `json:"error_message,omitempty"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

func (r jobRecord) model() (*models.ProcessingJob, error) {
	id, err := RecordIDString(r.ID)
	if err != nil {
		return nil, err
	}
	return &models.ProcessingJob{
		ID:            id,
		ContentID:     r.ContentID,
		ProcessorName: r.ProcessorName,
		Status:        models.JobStatus(r.Status),
		Parameters:    r.Parameters,
		Result:        r.Result,
		ErrorMessage:  r.ErrorMessage,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		CreatedAt:     r.CreatedAt,
	}, nil
}

type chunkRecord struct {
	ID         surrealmodels.RecordID `json:"id"`
	ContentID  string                 `json:"content_id"`
	ChunkIndex int                    `json:"chunk_index"`
	Content    string                 `json:"content"`
	ChunkType  string                 `json:"chunk_type"`
	WordCount  int                    `json:"word_count"`
	CharCount  int                    `json:"char_count"`
	Metadata   map[string]any         `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

func (r chunkRecord) model() (models.ContentChunk, error) {
	id, err := RecordIDString(r.ID)
	if err != nil {
		return models.ContentChunk{}, err
	}
	return models.ContentChunk{
		ID:        id,
		ContentID: r.ContentID,
		Index:     r.ChunkIndex,
		Content:   r.Content,
		ChunkType: models.ChunkType(r.ChunkType),
		WordCount: r.WordCount,
		CharCount: r.CharCount,
		Metadata:  r.Metadata,
		CreatedAt: r.CreatedAt,
	}, nil
}

type assetRecord struct {
	ID        surrealmodels.RecordID `json:"id"`
	ContentID string                 `json:"content_id"`
	Kind      string                 `json:"kind"`
	Locator   string                 `json:"locator"`
	MimeType  string                 `json:"mime_type"`
	Size      int64                  `json:"size"`
	CreatedAt time.Time              `json:"created_at"`
}

func (r assetRecord) model() (models.ContentAsset, error) {
	id, err := RecordIDString(r.ID)
	if err != nil {
		return models.ContentAsset{}, err
	}
	return models.ContentAsset{
		ID:        id,
		ContentID: r.ContentID,
		Kind:      models.AssetKind(r.Kind),
		Locator:   r.Locator,
		MimeType:  r.MimeType,
		Size:      r.Size,
		CreatedAt: r.CreatedAt,
	}, nil
}

// convertAll maps records to models, failing on the first bad ID.
func convertAll[R any, M any](records []R, conv func(R) (M, error)) ([]M, error) {
	out := make([]M, 0, len(records))
	for _, r := range records {
		m, err := conv(r)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
