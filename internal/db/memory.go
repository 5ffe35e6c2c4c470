package db

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/distill/internal/models"
)

// MemoryStore is an in-process Store used by the CLI and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	contents map[string]*models.ContentItem
	jobs     map[string]*models.ProcessingJob
	chunks   map[string][]models.ContentChunk
	assets   map[string][]models.ContentAsset
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contents: make(map[string]*models.ContentItem),
		jobs:     make(map[string]*models.ProcessingJob),
		chunks:   make(map[string][]models.ContentChunk),
		assets:   make(map[string][]models.ContentAsset),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func copyContent(c *models.ContentItem) *models.ContentItem {
	out := *c
	out.MetaInfo = maps.Clone(c.MetaInfo)
	return &out
}

func copyJob(j *models.ProcessingJob) *models.ProcessingJob {
	out := *j
	out.Parameters = maps.Clone(j.Parameters)
	out.Result = maps.Clone(j.Result)
	return &out
}

func (s *MemoryStore) CreateContent(_ context.Context, input models.ContentInput) (*models.ContentItem, error) {
	if _, err := models.ParseContentType(string(input.Type)); err != nil {
		return nil, err
	}

	now := s.now()
	item := &models.ContentItem{
		ID:               uuid.NewString(),
		OwnerID:          input.OwnerID,
		Type:             input.Type,
		SourceRef:        input.SourceRef,
		Title:            input.Title,
		RawText:          input.RawText,
		MetaInfo:         maps.Clone(input.MetaInfo),
		ProcessingStatus: models.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.contents[item.ID] = item
	return copyContent(item), nil
}

func (s *MemoryStore) GetContent(_ context.Context, id string) (*models.ContentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.contents[id]
	if !ok {
		return nil, fmt.Errorf("content %s: %w", id, ErrNotFound)
	}
	return copyContent(item), nil
}

func (s *MemoryStore) ListContent(_ context.Context, ownerID string, limit int) ([]models.ContentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ContentItem
	for _, item := range s.contents {
		if ownerID != "" && item.OwnerID != ownerID {
			continue
		}
		out = append(out, *copyContent(item))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateContentStatus(_ context.Context, id string, status models.ProcessingStatus, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.contents[id]
	if !ok {
		return fmt.Errorf("content %s: %w", id, ErrNotFound)
	}
	if !item.ProcessingStatus.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, item.ProcessingStatus, status)
	}
	item.ProcessingStatus = status
	item.ErrorMessage = errMsg
	item.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) CompleteContent(_ context.Context, id string, result models.ContentResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.contents[id]
	if !ok {
		return fmt.Errorf("content %s: %w", id, ErrNotFound)
	}
	if !item.ProcessingStatus.CanTransition(models.StatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, item.ProcessingStatus, models.StatusCompleted)
	}
	text := result.ContentText
	item.ContentText = &text
	item.MetaInfo = maps.Clone(result.MetaInfo)
	if result.Title != "" {
		item.Title = result.Title
	}
	item.ProcessingStatus = models.StatusCompleted
	item.ErrorMessage = nil
	item.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) CreateJob(_ context.Context, contentID, processor string, params map[string]any) (*models.ProcessingJob, error) {
	job := &models.ProcessingJob{
		ID:            uuid.NewString(),
		ContentID:     contentID,
		ProcessorName: processor,
		Status:        models.JobPending,
		Parameters:    maps.Clone(params),
		CreatedAt:     s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contents[contentID]; !ok {
		return nil, fmt.Errorf("content %s: %w", contentID, ErrNotFound)
	}
	s.jobs[job.ID] = job
	return copyJob(job), nil
}

func (s *MemoryStore) StartJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s: %w", id, ErrJobTerminal)
	}
	now := s.now()
	job.Status = models.JobInProgress
	job.StartedAt = &now
	return nil
}

func (s *MemoryStore) FinishJob(_ context.Context, id string, outcome JobOutcome) error {
	if !outcome.Status.Terminal() {
		return fmt.Errorf("finish job with non-terminal status %q", outcome.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s: %w", id, ErrJobTerminal)
	}
	now := s.now()
	job.Status = outcome.Status
	if outcome.ProcessorName != "" {
		job.ProcessorName = outcome.ProcessorName
	}
	job.Result = maps.Clone(outcome.Result)
	job.ErrorMessage = outcome.ErrorMessage
	job.CompletedAt = &now
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*models.ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return copyJob(job), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, contentID string) ([]models.ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ProcessingJob
	for _, job := range s.jobs {
		if job.ContentID == contentID {
			out = append(out, *copyJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ReplaceChunks(_ context.Context, contentID string, chunks []models.ContentChunk) error {
	now := s.now()
	out := make([]models.ContentChunk, len(chunks))
	for i, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.ContentID = contentID
		c.Metadata = maps.Clone(c.Metadata)
		out[i] = c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contents[contentID]; !ok {
		return fmt.Errorf("content %s: %w", contentID, ErrNotFound)
	}
	s.chunks[contentID] = out
	return nil
}

func (s *MemoryStore) ListChunks(_ context.Context, contentID string) ([]models.ContentChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.chunks[contentID])
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *MemoryStore) CreateAsset(_ context.Context, asset models.ContentAsset) (*models.ContentAsset, error) {
	if asset.ID == "" {
		asset.ID = uuid.NewString()
	}
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contents[asset.ContentID]; !ok {
		return nil, fmt.Errorf("content %s: %w", asset.ContentID, ErrNotFound)
	}
	s.assets[asset.ContentID] = append(s.assets[asset.ContentID], asset)
	return &asset, nil
}

func (s *MemoryStore) ListAssets(_ context.Context, contentID string) ([]models.ContentAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.assets[contentID]), nil
}

var _ Store = (*MemoryStore)(nil)
