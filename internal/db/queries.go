package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/raphaelgruber/distill/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// first returns the first row of the first statement result.
func first[T any](results *[]surrealdb.QueryResult[[]T]) (T, bool) {
	var zero T
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return zero, false
	}
	return (*results)[0].Result[0], true
}

// rows returns every row of the statement at index i.
func rows[T any](results *[]surrealdb.QueryResult[[]T], i int) []T {
	if results == nil || len(*results) <= i {
		return nil
	}
	return (*results)[i].Result
}

func (c *Client) CreateContent(ctx context.Context, input models.ContentInput) (*models.ContentItem, error) {
	if _, err := models.ParseContentType(string(input.Type)); err != nil {
		return nil, err
	}
	meta := input.MetaInfo
	if meta == nil {
		meta = map[string]any{}
	}

	results, err := surrealdb.Query[[]contentRecord](ctx, c.db, `
		CREATE type::record("content_item", $id) CONTENT {
			owner_id: $owner_id,
			type: $type,
			source_ref: $source_ref,
			title: $title,
			raw_text: $raw_text,
			meta_info: $meta_info,
			processing_status: "pending",
			created_at: time::now(),
			updated_at: time::now()
		}
	`, map[string]any{
		"id":         uuid.NewString(),
		"owner_id":   input.OwnerID,
		"type":       string(input.Type),
		"source_ref": input.SourceRef,
		"title":      input.Title,
		"raw_text":   input.RawText,
		"meta_info":  meta,
	})
	if err != nil {
		return nil, fmt.Errorf("create content: %w", wrapQueryError(err))
	}

	rec, ok := first(results)
	if !ok {
		return nil, fmt.Errorf("create content: no result returned")
	}
	return rec.model()
}

func (c *Client) GetContent(ctx context.Context, id string) (*models.ContentItem, error) {
	results, err := surrealdb.Query[[]contentRecord](ctx, c.db, `
		SELECT * FROM type::record("content_item", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get content: %w", wrapQueryError(err))
	}

	rec, ok := first(results)
	if !ok {
		return nil, fmt.Errorf("content %s: %w", id, ErrNotFound)
	}
	return rec.model()
}

func (c *Client) ListContent(ctx context.Context, ownerID string, limit int) ([]models.ContentItem, error) {
	if limit <= 0 {
		limit = 100
	}
	where := ""
	vars := map[string]any{"limit": limit}
	if ownerID != "" {
		where = "WHERE owner_id = $owner_id"
		vars["owner_id"] = ownerID
	}

	results, err := surrealdb.Query[[]contentRecord](ctx, c.db, fmt.Sprintf(`
		SELECT * FROM content_item %s ORDER BY created_at DESC LIMIT $limit
	`, where), vars)
	if err != nil {
		return nil, fmt.Errorf("list content: %w", wrapQueryError(err))
	}

	items, err := convertAll(rows(results, 0), func(r contentRecord) (models.ContentItem, error) {
		m, err := r.model()
		if err != nil {
			return models.ContentItem{}, err
		}
		return *m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list content: %w", err)
	}
	return items, nil
}

func (c *Client) UpdateContentStatus(ctx context.Context, id string, status models.ProcessingStatus, errMsg *string) error {
	current, err := c.GetContent(ctx, id)
	if err != nil {
		return err
	}
	if !current.ProcessingStatus.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.ProcessingStatus, status)
	}

	_, err = surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("content_item", $id) SET
			processing_status = $status,
			error_message = $error_message,
			updated_at = time::now()
	`, map[string]any{
		"id":            id,
		"status":        string(status),
		"error_message": errMsg,
	})
	if err != nil {
		return fmt.Errorf("update content status: %w", wrapQueryError(err))
	}
	return nil
}

func (c *Client) CompleteContent(ctx context.Context, id string, result models.ContentResult) error {
	current, err := c.GetContent(ctx, id)
	if err != nil {
		return err
	}
	if !current.ProcessingStatus.CanTransition(models.StatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.ProcessingStatus, models.StatusCompleted)
	}
	meta := result.MetaInfo
	if meta == nil {
		meta = map[string]any{}
	}

	_, err = surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("content_item", $id) SET
			content_text = $content_text,
			meta_info = $meta_info,
			title = IF $title != "" THEN $title ELSE title END,
			processing_status = "completed",
			error_message = NONE,
			updated_at = time::now()
	`, map[string]any{
		"id":           id,
		"content_text": result.ContentText,
		"meta_info":    meta,
		"title":        result.Title,
	})
	if err != nil {
		return fmt.Errorf("complete content: %w", wrapQueryError(err))
	}
	return nil
}

func (c *Client) CreateJob(ctx context.Context, contentID, processor string, params map[string]any) (*models.ProcessingJob, error) {
	if params == nil {
		params = map[string]any{}
	}

	results, err := surrealdb.Query[[]jobRecord](ctx, c.db, `
		IF (SELECT count() AS c FROM type::record("content_item", $content_id))[0].c == 0 {
			THROW "content not found"
		};
		CREATE type::record("processing_job", $id) CONTENT {
			content_id: $content_id,
			processor_name: $processor,
			status: "pending",
			parameters: $parameters,
			created_at: time::now()
		};
	`, map[string]any{
		"id":         uuid.NewString(),
		"content_id": contentID,
		"processor":  processor,
		"parameters": params,
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", wrapQueryError(err))
	}

	created := rows(results, 1)
	if len(created) == 0 {
		return nil, fmt.Errorf("create job: no result returned")
	}
	return created[0].model()
}

func (c *Client) StartJob(ctx context.Context, id string) error {
	results, err := surrealdb.Query[[]jobRecord](ctx, c.db, `
		UPDATE type::record("processing_job", $id) SET
			status = "in_progress",
			started_at = time::now()
		WHERE status IN ["pending", "in_progress"]
		RETURN AFTER
	`, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("start job: %w", wrapQueryError(err))
	}
	if _, ok := first(results); !ok {
		return c.missingOrTerminal(ctx, id)
	}
	return nil
}

func (c *Client) FinishJob(ctx context.Context, id string, outcome JobOutcome) error {
	if !outcome.Status.Terminal() {
		return fmt.Errorf("finish job with non-terminal status %q", outcome.Status)
	}
	result := outcome.Result
	if result == nil {
		result = map[string]any{}
	}

	results, err := surrealdb.Query[[]jobRecord](ctx, c.db, `
		UPDATE type::record("processing_job", $id) SET
			status = $status,
			processor_name = IF $processor != "" THEN $processor ELSE processor_name END,
			result = $result,
			error_message = $error_message,
			completed_at = time::now()
		WHERE status IN ["pending", "in_progress"]
		RETURN AFTER
	`, map[string]any{
		"id":            id,
		"status":        string(outcome.Status),
		"processor":     outcome.ProcessorName,
		"result":        result,
		"error_message": outcome.ErrorMessage,
	})
	if err != nil {
		return fmt.Errorf("finish job: %w", wrapQueryError(err))
	}
	if _, ok := first(results); !ok {
		return c.missingOrTerminal(ctx, id)
	}
	return nil
}

// missingOrTerminal explains why a guarded job update touched no row.
func (c *Client) missingOrTerminal(ctx context.Context, id string) error {
	if _, err := c.GetJob(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("job %s: %w", id, ErrJobTerminal)
}

func (c *Client) GetJob(ctx context.Context, id string) (*models.ProcessingJob, error) {
	results, err := surrealdb.Query[[]jobRecord](ctx, c.db, `
		SELECT * FROM type::record("processing_job", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get job: %w", wrapQueryError(err))
	}

	rec, ok := first(results)
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return rec.model()
}

func (c *Client) ListJobs(ctx context.Context, contentID string) ([]models.ProcessingJob, error) {
	results, err := surrealdb.Query[[]jobRecord](ctx, c.db, `
		SELECT * FROM processing_job WHERE content_id = $content_id ORDER BY created_at ASC
	`, map[string]any{"content_id": contentID})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", wrapQueryError(err))
	}

	jobs, err := convertAll(rows(results, 0), func(r jobRecord) (models.ProcessingJob, error) {
		m, err := r.model()
		if err != nil {
			return models.ProcessingJob{}, err
		}
		return *m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (c *Client) ReplaceChunks(ctx context.Context, contentID string, chunks []models.ContentChunk) error {
	records := make([]map[string]any, 0, len(chunks))
	for _, ch := range chunks {
		id := ch.ID
		if id == "" {
			id = uuid.NewString()
		}
		meta := ch.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		records = append(records, map[string]any{
			"id":          id,
			"content_id":  contentID,
			"chunk_index": ch.Index,
			"content":     ch.Content,
			"chunk_type":  string(ch.ChunkType),
			"word_count":  ch.WordCount,
			"char_count":  ch.CharCount,
			"metadata":    meta,
		})
	}

	// Delete and insert in one transaction so readers never see a mix
	// of two runs.
	_, err := surrealdb.Query[any](ctx, c.db, `
		BEGIN TRANSACTION;
		DELETE content_chunk WHERE content_id = $content_id;
		IF array::len($chunks) > 0 {
			INSERT INTO content_chunk $chunks;
		};
		COMMIT TRANSACTION;
	`, map[string]any{
		"content_id": contentID,
		"chunks":     records,
	})
	if err != nil {
		return fmt.Errorf("replace chunks: %w", wrapQueryError(err))
	}
	return nil
}

func (c *Client) ListChunks(ctx context.Context, contentID string) ([]models.ContentChunk, error) {
	results, err := surrealdb.Query[[]chunkRecord](ctx, c.db, `
		SELECT * FROM content_chunk WHERE content_id = $content_id ORDER BY chunk_index ASC
	`, map[string]any{"content_id": contentID})
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", wrapQueryError(err))
	}

	chunks, err := convertAll(rows(results, 0), chunkRecord.model)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	return chunks, nil
}

func (c *Client) CreateAsset(ctx context.Context, asset models.ContentAsset) (*models.ContentAsset, error) {
	if asset.ID == "" {
		asset.ID = uuid.NewString()
	}

	results, err := surrealdb.Query[[]assetRecord](ctx, c.db, `
		CREATE type::record("content_asset", $id) CONTENT {
			content_id: $content_id,
			kind: $kind,
			locator: $locator,
			mime_type: $mime_type,
			size: $size,
			created_at: time::now()
		}
	`, map[string]any{
		"id":         asset.ID,
		"content_id": asset.ContentID,
		"kind":       string(asset.Kind),
		"locator":    asset.Locator,
		"mime_type":  asset.MimeType,
		"size":       asset.Size,
	})
	if err != nil {
		return nil, fmt.Errorf("create asset: %w", wrapQueryError(err))
	}

	rec, ok := first(results)
	if !ok {
		return nil, fmt.Errorf("create asset: no result returned")
	}
	created, err := rec.model()
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) ListAssets(ctx context.Context, contentID string) ([]models.ContentAsset, error) {
	results, err := surrealdb.Query[[]assetRecord](ctx, c.db, `
		SELECT * FROM content_asset WHERE content_id = $content_id ORDER BY created_at ASC
	`, map[string]any{"content_id": contentID})
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", wrapQueryError(err))
	}

	assets, err := convertAll(rows(results, 0), assetRecord.model)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	return assets, nil
}

var _ Store = (*Client)(nil)
