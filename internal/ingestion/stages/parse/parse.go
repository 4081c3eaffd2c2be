// Package parse turns uploaded bytes into a normalized block tree.
package parse

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/envutil"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/gcp"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

// OCR recognizes text in documents without an extractable text layer.
type OCR interface {
	ExtractPages(ctx context.Context, data []byte, mimeType string) ([]gcp.OCRPage, error)
}

type Options struct {
	MaxPDFPages int
	MaxItems    int
}

func OptionsFromEnv() Options {
	return Options{
		MaxPDFPages: envutil.Int("INGEST_PDF_MAX_PAGES", 500),
		MaxItems:    envutil.Int("INGEST_PACKAGE_MAX_ITEMS", 2000),
	}
}

type Executor struct {
	log  *logger.Logger
	ocr  OCR
	opts Options
}

// New builds the stage 1 executor. ocr may be nil.
func New(log *logger.Logger, ocr OCR, opts Options) *Executor {
	if opts.MaxPDFPages <= 0 {
		opts.MaxPDFPages = 500
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = 2000
	}
	return &Executor{log: log.Named("stage.parse"), ocr: ocr, opts: opts}
}

func (e *Executor) Stage() ingestion.Stage { return ingestion.StageParse }

func (e *Executor) Run(ctx context.Context, in stages.Input, report stages.ProgressFunc) (ingestion.StageOutput, error) {
	if report == nil {
		report = stages.NopProgress
	}
	if len(bytes.TrimSpace(in.Source)) == 0 {
		return nil, parseErr(in.SourceType, "document is empty", nil)
	}
	var (
		raw *ingestion.RawContent
		err error
	)
	switch in.SourceType {
	case ingestion.SourceText:
		raw, err = parseText(in, report)
	case ingestion.SourcePDF:
		raw, err = e.parsePDF(ctx, in, report)
	case ingestion.SourceDOCX:
		raw, err = parseDOCX(ctx, in, report)
	case ingestion.SourcePackagedCourse:
		raw, err = parsePackage(ctx, in, e.opts.MaxItems, report)
	default:
		return nil, parseErr(in.SourceType, "unsupported source type", nil)
	}
	if err != nil {
		return nil, err
	}
	if !hasContent(raw.Blocks) {
		return nil, parseErr(in.SourceType, "no readable content", nil)
	}
	raw.SourceType = in.SourceType
	if raw.Title == "" {
		raw.Title = titleFromFilename(in.Filename)
	}
	for i := range raw.Blocks {
		raw.Blocks[i].Index = i
	}
	if raw.Sections == nil {
		raw.Sections = ingestion.BuildSections(raw.Blocks)
	}
	e.log.Info("parsed document",
		"session_id", in.SessionID,
		"source_type", in.SourceType,
		"blocks", len(raw.Blocks),
		"sections", len(raw.Sections),
		"media", len(raw.Media),
		"heading_source", raw.HeadingSource,
	)
	return raw, nil
}

func parseErr(st ingestion.SourceType, reason string, err error) error {
	return &ingestion.ParseError{SourceType: st, Reason: reason, Err: err}
}

func hasContent(blocks []ingestion.Block) bool {
	for _, b := range blocks {
		if b.Kind == ingestion.BlockMedia || strings.TrimSpace(b.Text) != "" {
			return true
		}
	}
	return false
}

var (
	pdfMagic = []byte("%PDF-")
	zipMagic = []byte("PK\x03\x04")
)

func isPDF(b []byte) bool { return bytes.HasPrefix(b, pdfMagic) }
func isZip(b []byte) bool { return bytes.HasPrefix(b, zipMagic) }

// looksLikeText requires valid UTF-8, no NUL and at least 90% printable runes.
func looksLikeText(b []byte) bool {
	if !utf8.Valid(b) || bytes.IndexByte(b, 0) >= 0 {
		return false
	}
	printable, total := 0, 0
	for _, r := range string(b) {
		total++
		if r == '\n' || r == '\r' || r == '\t' || unicode.IsPrint(r) {
			printable++
		}
	}
	return total > 0 && float64(printable)/float64(total) > 0.90
}

func titleFromFilename(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.NewReplacer("_", " ", "-", " ").Replace(base)
	base = strings.Join(strings.Fields(base), " ")
	if base == "" || base == "." {
		return "Untitled course"
	}
	return base
}

// blockBuilder accumulates blocks and deduplicates media references.
type blockBuilder struct {
	blocks   []ingestion.Block
	media    []ingestion.MediaRef
	seen     map[string]bool
	headings int
	warnings []string
}

func (b *blockBuilder) heading(level int, text string, page int) {
	text = collapse(text)
	if text == "" {
		return
	}
	if level < 1 {
		level = 1
	}
	if level > 6 {
		level = 6
	}
	b.headings++
	b.blocks = append(b.blocks, ingestion.Block{Kind: ingestion.BlockHeading, Level: level, Text: text, Page: page})
}

func (b *blockBuilder) text(kind ingestion.BlockKind, text string, page int) {
	text = collapse(text)
	if text == "" {
		return
	}
	b.blocks = append(b.blocks, ingestion.Block{Kind: kind, Text: text, Page: page})
}

func (b *blockBuilder) mediaBlock(ref ingestion.MediaRef, page int) {
	b.addMedia(ref)
	b.blocks = append(b.blocks, ingestion.Block{Kind: ingestion.BlockMedia, MediaRef: ref.ID, Page: page})
}

func (b *blockBuilder) addMedia(ref ingestion.MediaRef) {
	if b.seen == nil {
		b.seen = map[string]bool{}
	}
	if b.seen[ref.ID] {
		return
	}
	b.seen[ref.ID] = true
	if ref.ContentType == "" {
		ref.ContentType = contentTypeFor(ref.Path)
	}
	b.media = append(b.media, ref)
}

func (b *blockBuilder) warn(msg string) { b.warnings = append(b.warnings, msg) }

func collapse(s string) string { return strings.Join(strings.Fields(s), " ") }

func contentTypeFor(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".svg":
		return "image/svg+xml"
	case ".webp":
		return "image/webp"
	case ".emf":
		return "image/emf"
	case ".wmf":
		return "image/wmf"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}

func isImagePath(p string) bool {
	return strings.HasPrefix(contentTypeFor(p), "image/")
}
