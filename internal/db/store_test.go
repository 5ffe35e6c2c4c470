package db

import (
	"context"
	"errors"
	"testing"

	"github.com/raphaelgruber/distill/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

// runStoreSuite exercises the Store contract. Both implementations must pass it.
func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("content lifecycle", func(t *testing.T) {
		item, err := s.CreateContent(ctx, models.ContentInput{
			OwnerID: "owner-1",
			Type:    models.ContentTypeText,
			Title:   "Notes",
			RawText: ptr("hello"),
		})
		require.NoError(t, err)
		assert.NotEmpty(t, item.ID)
		assert.Equal(t, models.StatusPending, item.ProcessingStatus)

		require.NoError(t, s.UpdateContentStatus(ctx, item.ID, models.StatusProcessing, nil))
		require.NoError(t, s.CompleteContent(ctx, item.ID, models.ContentResult{
			ContentText: "# Notes\n\nhello",
			MetaInfo:    map[string]any{"source": "test"},
		}))

		got, err := s.GetContent(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.ProcessingStatus)
		assert.Equal(t, "Notes", got.Title, "empty result title keeps the existing one")
		require.NotNil(t, got.ContentText)
		assert.Equal(t, "# Notes\n\nhello", *got.ContentText)
		assert.Nil(t, got.ErrorMessage)

		err = s.UpdateContentStatus(ctx, item.ID, models.StatusProcessing, nil)
		assert.True(t, errors.Is(err, ErrInvalidTransition), "completed items do not move back")
	})

	t.Run("retry from failed", func(t *testing.T) {
		item, err := s.CreateContent(ctx, models.ContentInput{OwnerID: "owner-1", Type: models.ContentTypeURL, SourceRef: ptr("https://example.com")})
		require.NoError(t, err)

		require.NoError(t, s.UpdateContentStatus(ctx, item.ID, models.StatusProcessing, nil))
		require.NoError(t, s.UpdateContentStatus(ctx, item.ID, models.StatusFailed, ptr("boom")))

		got, err := s.GetContent(ctx, item.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, "boom", *got.ErrorMessage)

		require.NoError(t, s.UpdateContentStatus(ctx, item.ID, models.StatusProcessing, nil))
		got, err = s.GetContent(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, got.ProcessingStatus)
		assert.Nil(t, got.ErrorMessage)
	})

	t.Run("missing content", func(t *testing.T) {
		_, err := s.GetContent(ctx, "does-not-exist")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("invalid content type", func(t *testing.T) {
		_, err := s.CreateContent(ctx, models.ContentInput{OwnerID: "o", Type: "video"})
		assert.Error(t, err)
	})

	t.Run("list by owner", func(t *testing.T) {
		_, err := s.CreateContent(ctx, models.ContentInput{OwnerID: "owner-list", Type: models.ContentTypeText})
		require.NoError(t, err)
		_, err = s.CreateContent(ctx, models.ContentInput{OwnerID: "owner-other", Type: models.ContentTypeText})
		require.NoError(t, err)

		items, err := s.ListContent(ctx, "owner-list", 10)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "owner-list", items[0].OwnerID)
	})

	t.Run("terminal jobs are immutable", func(t *testing.T) {
		item, err := s.CreateContent(ctx, models.ContentInput{OwnerID: "o", Type: models.ContentTypeText})
		require.NoError(t, err)

		job, err := s.CreateJob(ctx, item.ID, "", map[string]any{"attempt": 1})
		require.NoError(t, err)
		assert.Equal(t, models.JobPending, job.Status)

		require.NoError(t, s.StartJob(ctx, job.ID))
		require.NoError(t, s.FinishJob(ctx, job.ID, JobOutcome{
			Status:        models.JobCompleted,
			ProcessorName: "conversion",
			Result:        map[string]any{"chunks": 3},
		}))

		err = s.FinishJob(ctx, job.ID, JobOutcome{Status: models.JobFailed})
		assert.True(t, errors.Is(err, ErrJobTerminal))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobCompleted, got.Status)
		assert.Equal(t, "conversion", got.ProcessorName)
		assert.NotNil(t, got.StartedAt)
		assert.NotNil(t, got.CompletedAt)

		jobs, err := s.ListJobs(ctx, item.ID)
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
	})

	t.Run("finish requires terminal status", func(t *testing.T) {
		item, err := s.CreateContent(ctx, models.ContentInput{OwnerID: "o", Type: models.ContentTypeText})
		require.NoError(t, err)
		job, err := s.CreateJob(ctx, item.ID, "", nil)
		require.NoError(t, err)

		assert.Error(t, s.FinishJob(ctx, job.ID, JobOutcome{Status: models.JobInProgress}))
	})

	t.Run("job for missing content", func(t *testing.T) {
		_, err := s.CreateJob(ctx, "does-not-exist", "", nil)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("chunks replaced wholesale", func(t *testing.T) {
		item, err := s.CreateContent(ctx, models.ContentInput{OwnerID: "o", Type: models.ContentTypeText})
		require.NoError(t, err)

		first := []models.ContentChunk{
			{Index: 0, Content: "a", ChunkType: models.ChunkParagraph, WordCount: 1, CharCount: 1},
			{Index: 1, Content: "b", ChunkType: models.ChunkParagraph, WordCount: 1, CharCount: 1},
			{Index: 2, Content: "c", ChunkType: models.ChunkParagraph, WordCount: 1, CharCount: 1},
		}
		require.NoError(t, s.ReplaceChunks(ctx, item.ID, first))

		second := []models.ContentChunk{
			{Index: 0, Content: "# x", ChunkType: models.ChunkHeading, WordCount: 2, CharCount: 3,
				Metadata: map[string]any{"has_code": false}},
		}
		require.NoError(t, s.ReplaceChunks(ctx, item.ID, second))

		chunks, err := s.ListChunks(ctx, item.ID)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, "# x", chunks[0].Content)
		assert.Equal(t, models.ChunkHeading, chunks[0].ChunkType)
		assert.Equal(t, item.ID, chunks[0].ContentID)
		assert.NotEmpty(t, chunks[0].ID)

		require.NoError(t, s.ReplaceChunks(ctx, item.ID, nil))
		chunks, err = s.ListChunks(ctx, item.ID)
		require.NoError(t, err)
		assert.Empty(t, chunks)
	})

	t.Run("assets append", func(t *testing.T) {
		item, err := s.CreateContent(ctx, models.ContentInput{OwnerID: "o", Type: models.ContentTypeText})
		require.NoError(t, err)

		for _, kind := range []models.AssetKind{models.AssetProcessedMarkdown, models.AssetMetadata} {
			_, err := s.CreateAsset(ctx, models.ContentAsset{
				ContentID: item.ID,
				Kind:      kind,
				Locator:   "content/o/" + item.ID + "/" + string(kind),
				MimeType:  "text/plain",
				Size:      10,
			})
			require.NoError(t, err)
		}

		assets, err := s.ListAssets(ctx, item.ID)
		require.NoError(t, err)
		require.Len(t, assets, 2)
		assert.Equal(t, int64(10), assets[0].Size)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	item, err := s.CreateContent(ctx, models.ContentInput{
		OwnerID:  "o",
		Type:     models.ContentTypeText,
		MetaInfo: map[string]any{"k": "v"},
	})
	require.NoError(t, err)

	item.MetaInfo["k"] = "mutated"
	item.Title = "mutated"

	got, err := s.GetContent(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", got.MetaInfo["k"])
	assert.Empty(t, got.Title)
}
