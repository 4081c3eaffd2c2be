// Package intake accepts uploads: it stores the bytes, creates the pending
// session and hands it to the dispatcher.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	repos "github.com/shortbird/pathweaver-2.0-sub015/internal/data/repos/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/pipeline"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/pkg/dbctx"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/blob"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

var (
	ErrFileTooLarge      = errors.New("file too large")
	ErrInvalidSourceType = errors.New("invalid source type")
	ErrEmptyFile         = errors.New("empty file")
)

type Request struct {
	// SourceType may be empty; it is then inferred from Filename.
	SourceType ingestion.SourceType
	Filename   string
	Body       io.Reader
	UploaderID uuid.UUID
	TenantID   *uuid.UUID
}

type Service struct {
	log        *logger.Logger
	repo       repos.UploadSessionRepo
	blobs      blob.Store
	dispatcher pipeline.Dispatcher
	maxBytes   int64
}

func New(log *logger.Logger, repo repos.UploadSessionRepo, blobs blob.Store, dispatcher pipeline.Dispatcher, maxBytes int64) *Service {
	if maxBytes <= 0 {
		maxBytes = 100 << 20
	}
	return &Service{log: log.Named("intake"), repo: repo, blobs: blobs, dispatcher: dispatcher, maxBytes: maxBytes}
}

func (s *Service) MaxBytes() int64 { return s.maxBytes }

// Create returns as soon as the session row exists. A failed dispatch leaves the
// session pending for the worker pool to pick up.
func (s *Service) Create(ctx context.Context, req Request) (*ingestion.UploadSession, error) {
	st := req.SourceType
	if st == "" {
		st = SourceTypeFor(req.Filename)
	}
	if !st.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSourceType, req.SourceType)
	}
	if req.Body == nil {
		return nil, ErrEmptyFile
	}
	id := uuid.New()
	name := cleanFilename(req.Filename)
	key := fmt.Sprintf("uploads/%s/%s/%s", req.UploaderID, id, name)

	counter := &countingReader{r: io.LimitReader(req.Body, s.maxBytes+1)}
	if err := s.blobs.Put(ctx, key, counter); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	switch {
	case counter.n > s.maxBytes:
		s.discard(ctx, key)
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrFileTooLarge, s.maxBytes)
	case counter.n == 0:
		s.discard(ctx, key)
		return nil, ErrEmptyFile
	}

	sess, err := s.repo.Create(dbctx.Context{Ctx: ctx}, repos.CreateParams{
		ID:         id,
		SourceType: st,
		Filename:   name,
		SizeBytes:  counter.n,
		StorageKey: key,
		UploaderID: req.UploaderID,
		TenantID:   req.TenantID,
	})
	if err != nil {
		s.discard(ctx, key)
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.log.Info("upload accepted", "session_id", sess.ID, "source_type", st, "size_bytes", counter.n)

	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, sess.ID); err != nil {
			s.log.Warn("dispatch failed; session left pending", "session_id", sess.ID, "error", err)
		}
	}
	return sess, nil
}

func (s *Service) discard(ctx context.Context, key string) {
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.log.Warn("discard upload failed", "key", key, "error", err)
	}
}

// SourceTypeFor guesses the source type from a file extension.
func SourceTypeFor(filename string) ingestion.SourceType {
	switch strings.ToLower(path.Ext(filename)) {
	case ".pdf":
		return ingestion.SourcePDF
	case ".docx":
		return ingestion.SourceDOCX
	case ".zip", ".imscc":
		return ingestion.SourcePackagedCourse
	case ".txt", ".md", ".markdown":
		return ingestion.SourceText
	default:
		return ""
	}
}

func cleanFilename(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return name
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
