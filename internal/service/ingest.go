package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/distill/internal/convert"
	"github.com/raphaelgruber/distill/internal/db"
	"github.com/raphaelgruber/distill/internal/models"
	"github.com/raphaelgruber/distill/internal/storage"
)

// Ingest errors.
var (
	ErrOwnerRequired    = errors.New("owner id is required")
	ErrEmptyText        = errors.New("text is empty")
	ErrInvalidURL       = errors.New("invalid url")
	ErrEmptyUpload      = errors.New("upload is empty")
	ErrAlreadyCompleted = errors.New("content already completed")
	ErrNotFailed        = errors.New("only failed content can be retried")
)

// DefaultPresignExpiry is used when PresignUpload gets no expiry.
const DefaultPresignExpiry = 15 * time.Minute

// Submitter queues a content item for background processing.
type Submitter interface {
	Submit(ctx context.Context, contentID, ownerID string) error
}

// IngestService creates content items and hands them to the executor.
type IngestService struct {
	store  db.Store
	blobs  storage.Storage
	exec   Submitter
	logger *slog.Logger
}

// NewIngestService creates a new ingest service.
func NewIngestService(store db.Store, blobs storage.Storage, exec Submitter, logger *slog.Logger) *IngestService {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestService{store: store, blobs: blobs, exec: exec, logger: logger}
}

// TextInput is a plain text submission.
type TextInput struct {
	OwnerID  string
	Title    string
	Text     string
	MetaInfo map[string]any
}

// URLInput is a web page submission.
type URLInput struct {
	OwnerID  string
	Title    string
	URL      string
	MetaInfo map[string]any
}

// UploadInput is a file submission. Type is derived from the file when
// empty.
type UploadInput struct {
	OwnerID  string
	Title    string
	Filename string
	MimeType string
	Data     []byte
	Type     models.ContentType
	MetaInfo map[string]any
}

// PresignedUpload is where a client uploads a file directly to storage.
type PresignedUpload struct {
	URL       string    `json:"url"`
	Path      string    `json:"path"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateText stores a text item and submits it. When submission fails the
// created item is still returned together with the error.
func (s *IngestService) CreateText(ctx context.Context, in TextInput) (*models.ContentItem, error) {
	if in.OwnerID == "" {
		return nil, ErrOwnerRequired
	}
	if strings.TrimSpace(in.Text) == "" {
		return nil, ErrEmptyText
	}
	text := in.Text
	return s.create(ctx, models.ContentInput{
		OwnerID:  in.OwnerID,
		Type:     models.ContentTypeText,
		Title:    in.Title,
		RawText:  &text,
		MetaInfo: in.MetaInfo,
	})
}

// CreateURL stores a URL item and submits it.
func (s *IngestService) CreateURL(ctx context.Context, in URLInput) (*models.ContentItem, error) {
	if in.OwnerID == "" {
		return nil, ErrOwnerRequired
	}
	target, err := normalizeURL(in.URL)
	if err != nil {
		return nil, err
	}
	return s.create(ctx, models.ContentInput{
		OwnerID:   in.OwnerID,
		Type:      models.ContentTypeURL,
		Title:     in.Title,
		SourceRef: &target,
		MetaInfo:  in.MetaInfo,
	})
}

// CreateUpload stores the file bytes, then creates the item pointing at
// them and submits it.
func (s *IngestService) CreateUpload(ctx context.Context, in UploadInput) (*models.ContentItem, error) {
	if in.OwnerID == "" {
		return nil, ErrOwnerRequired
	}
	if len(in.Data) == 0 {
		return nil, ErrEmptyUpload
	}

	typ := in.Type
	if typ == "" {
		t, err := uploadType(in)
		if err != nil {
			return nil, err
		}
		typ = t
	}

	key := storage.UploadPath(in.OwnerID, uuid.NewString(), in.Filename)
	locator, err := s.blobs.Upload(ctx, key, in.Data, in.MimeType)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	meta := make(map[string]any, len(in.MetaInfo)+4)
	for k, v := range in.MetaInfo {
		meta[k] = v
	}
	meta["filename"] = in.Filename
	meta["size"] = len(in.Data)
	meta["locator"] = locator
	if in.MimeType != "" {
		meta["mime_type"] = in.MimeType
	}

	s.logger.Debug("upload stored", "path", key, "size", len(in.Data))
	return s.create(ctx, models.ContentInput{
		OwnerID:   in.OwnerID,
		Type:      typ,
		Title:     in.Title,
		SourceRef: &key,
		MetaInfo:  meta,
	})
}

func (s *IngestService) create(ctx context.Context, input models.ContentInput) (*models.ContentItem, error) {
	item, err := s.store.CreateContent(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("create content: %w", err)
	}
	s.logger.Info("content created", "content_id", item.ID, "type", item.Type, "owner_id", item.OwnerID)

	if err := s.exec.Submit(ctx, item.ID, item.OwnerID); err != nil {
		return item, fmt.Errorf("submit content: %w", err)
	}
	return item, nil
}

// Process submits an existing item. Completed items are left alone.
func (s *IngestService) Process(ctx context.Context, contentID string) (*models.ContentItem, error) {
	item, err := s.store.GetContent(ctx, contentID)
	if err != nil {
		return nil, err
	}
	if item.ProcessingStatus == models.StatusCompleted {
		return item, ErrAlreadyCompleted
	}
	if err := s.exec.Submit(ctx, item.ID, item.OwnerID); err != nil {
		return item, err
	}
	return item, nil
}

// Retry moves a failed item back to processing and submits it again.
func (s *IngestService) Retry(ctx context.Context, contentID string) (*models.ContentItem, error) {
	item, err := s.store.GetContent(ctx, contentID)
	if err != nil {
		return nil, err
	}
	if item.ProcessingStatus != models.StatusFailed {
		return item, fmt.Errorf("%w: status is %s", ErrNotFailed, item.ProcessingStatus)
	}

	if err := s.store.UpdateContentStatus(ctx, item.ID, models.StatusProcessing, nil); err != nil {
		return item, fmt.Errorf("mark processing: %w", err)
	}
	item.ProcessingStatus = models.StatusProcessing
	item.ErrorMessage = nil

	if err := s.exec.Submit(ctx, item.ID, item.OwnerID); err != nil {
		msg := err.Error()
		if uerr := s.store.UpdateContentStatus(context.WithoutCancel(ctx), item.ID, models.StatusFailed, &msg); uerr != nil {
			s.logger.Warn("failed to restore failed status", "content_id", item.ID, "error", uerr)
		}
		item.ProcessingStatus = models.StatusFailed
		item.ErrorMessage = &msg
		return item, err
	}
	s.logger.Info("content retried", "content_id", item.ID)
	return item, nil
}

// PresignUpload returns a URL the client can PUT a file to. Backends
// without presigning return storage.ErrPresignUnsupported.
func (s *IngestService) PresignUpload(ctx context.Context, ownerID, filename, mimeType string, expiry time.Duration) (*PresignedUpload, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	if expiry <= 0 {
		expiry = DefaultPresignExpiry
	}
	key := storage.UploadPath(ownerID, uuid.NewString(), filename)
	u, err := s.blobs.PresignedUploadURL(ctx, key, mimeType, expiry)
	if err != nil {
		return nil, err
	}
	return &PresignedUpload{URL: u, Path: key, ExpiresAt: time.Now().Add(expiry).UTC()}, nil
}

// Get returns one item.
func (s *IngestService) Get(ctx context.Context, contentID string) (*models.ContentItem, error) {
	return s.store.GetContent(ctx, contentID)
}

// List returns the owner's most recent items.
func (s *IngestService) List(ctx context.Context, ownerID string, limit int) ([]models.ContentItem, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	return s.store.ListContent(ctx, ownerID, limit)
}

// Jobs returns the processing jobs of an item, oldest first.
func (s *IngestService) Jobs(ctx context.Context, contentID string) ([]models.ProcessingJob, error) {
	return s.store.ListJobs(ctx, contentID)
}

// Chunks returns the chunks of an item in order.
func (s *IngestService) Chunks(ctx context.Context, contentID string) ([]models.ContentChunk, error) {
	return s.store.ListChunks(ctx, contentID)
}

// CollectFiles walks a directory and returns every file the converter
// understands.
func CollectFiles(dirPath string, recursive bool) ([]string, error) {
	var files []string
	walkFn := func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !recursive && path != dirPath {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := convert.FormatFromName(path); ok {
			files = append(files, path)
		}
		return nil
	}

	if err := filepath.WalkDir(dirPath, walkFn); err != nil {
		return nil, fmt.Errorf("scan directory: %w", err)
	}
	return files, nil
}

// uploadType maps the file format to a content type.
func uploadType(in UploadInput) (models.ContentType, error) {
	f, err := convert.DetectFormat(convert.Input{Data: in.Data, Filename: in.Filename, MimeType: in.MimeType})
	if err != nil {
		return "", err
	}
	switch f {
	case convert.FormatImage:
		return models.ContentTypeImage, nil
	case convert.FormatAudio:
		return models.ContentTypeAudio, nil
	case convert.FormatText, convert.FormatMarkdown:
		return models.ContentTypeText, nil
	default:
		return models.ContentTypeDocument, nil
	}
}

func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u.String(), nil
}
