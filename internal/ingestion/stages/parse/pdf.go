package parse

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages"
)

func (e *Executor) parsePDF(ctx context.Context, in stages.Input, report stages.ProgressFunc) (*ingestion.RawContent, error) {
	if !isPDF(in.Source) {
		return nil, parseErr(in.SourceType, "missing %PDF- header", nil)
	}

	pages, readErr := pdfPageTexts(ctx, in.Source, e.opts.MaxPDFPages, report)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var b blockBuilder
	for i, text := range pages {
		for _, p := range splitParagraphs(text) {
			addTextParagraph(&b, p, i+1)
		}
	}
	if readErr != nil {
		b.warn(readErr.Error())
	}
	if !hasContent(b.blocks) {
		if e.ocr == nil {
			return nil, parseErr(in.SourceType, "no extractable text", readErr)
		}
		return e.ocrPDF(ctx, in, report)
	}

	raw := &ingestion.RawContent{
		Blocks:        b.blocks,
		PageCount:     len(pages),
		Warnings:      b.warnings,
		HeadingSource: ingestion.HeadingsNone,
	}
	if b.headings > 0 {
		raw.HeadingSource = ingestion.HeadingsFromHeuristic
	}
	return raw, nil
}

// pdfPageTexts reads the text layer page by page. The reader panics on some
// malformed files; that is reported as an error.
func pdfPageTexts(ctx context.Context, data []byte, maxPages int, report stages.ProgressFunc) (pages []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf reader panic: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	n := r.NumPage()
	if n > maxPages {
		n = maxPages
	}
	for i := 1; i <= n; i++ {
		if ctx.Err() != nil {
			return pages, ctx.Err()
		}
		text := ""
		if pg := r.Page(i); !pg.V.IsNull() {
			if t, perr := pg.GetPlainText(nil); perr == nil {
				text = t
			}
		}
		pages = append(pages, text)
		report(ingestion.StageProgress{
			Stage:     ingestion.StageParse.String(),
			Completed: i,
			Total:     n,
			Item:      fmt.Sprintf("page %d of %d", i, n),
		})
	}
	return pages, nil
}

func (e *Executor) ocrPDF(ctx context.Context, in stages.Input, report stages.ProgressFunc) (*ingestion.RawContent, error) {
	e.log.Info("pdf has no text layer; using OCR", "session_id", in.SessionID)
	pages, err := e.ocr.ExtractPages(ctx, in.Source, "application/pdf")
	if err != nil {
		return nil, parseErr(in.SourceType, "ocr failed", err)
	}
	var b blockBuilder
	for i, pg := range pages {
		for _, para := range pg.Paragraphs {
			addTextParagraph(&b, strings.TrimSpace(para), pg.Number)
		}
		report(ingestion.StageProgress{
			Stage:     ingestion.StageParse.String(),
			Completed: i + 1,
			Total:     len(pages),
			Item:      fmt.Sprintf("page %d of %d", i+1, len(pages)),
			Detail:    map[string]any{"ocr": true},
		})
	}
	if !hasContent(b.blocks) {
		return nil, parseErr(in.SourceType, "no text recognized", nil)
	}
	raw := &ingestion.RawContent{
		Blocks:        b.blocks,
		PageCount:     len(pages),
		HeadingSource: ingestion.HeadingsNone,
		Warnings:      append(b.warnings, "text recognized by OCR"),
	}
	if b.headings > 0 {
		raw.HeadingSource = ingestion.HeadingsFromHeuristic
	}
	return raw, nil
}
