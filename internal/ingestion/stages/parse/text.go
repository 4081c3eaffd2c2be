package parse

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages"
)

var (
	blankLine       = regexp.MustCompile(`\n[ \t]*\n`)
	markdownHeading = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*$`)
	keywordHeading  = regexp.MustCompile(`(?i)^(module|unit|part|chapter|lesson|section|week)\s+(\d+|[ivxlc]+)\b\s*[:.\-]?\s*(.{0,80})$`)
	listItem        = regexp.MustCompile(`^(?:[-*+\x{2022}]|\d{1,3}[.)])\s+(.+)$`)
)

func parseText(in stages.Input, report stages.ProgressFunc) (*ingestion.RawContent, error) {
	if isPDF(in.Source) || isZip(in.Source) || !looksLikeText(in.Source) {
		return nil, parseErr(in.SourceType, "content is not plain text", nil)
	}
	var b blockBuilder
	paras := splitParagraphs(string(in.Source))
	for i, p := range paras {
		addTextParagraph(&b, p, 0)
		report(ingestion.StageProgress{
			Stage:     ingestion.StageParse.String(),
			Completed: i + 1,
			Total:     len(paras),
			Item:      fmt.Sprintf("paragraph %d of %d", i+1, len(paras)),
		})
	}
	raw := &ingestion.RawContent{Blocks: b.blocks, Warnings: b.warnings, HeadingSource: ingestion.HeadingsNone}
	if b.headings > 0 {
		raw.HeadingSource = ingestion.HeadingsFromHeuristic
	}
	return raw, nil
}

func splitParagraphs(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	var out []string
	for _, p := range blankLine.Split(s, -1) {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// addTextParagraph classifies the lines of one paragraph. Heading and list lines
// break out of the surrounding prose; the remaining lines form one paragraph.
func addTextParagraph(b *blockBuilder, para string, page int) {
	var prose []string
	flush := func() {
		if len(prose) > 0 {
			b.text(ingestion.BlockParagraph, strings.Join(prose, " "), page)
			prose = prose[:0]
		}
	}
	for _, line := range strings.Split(para, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if level, title, ok := headingLine(line); ok {
			flush()
			b.heading(level, title, page)
			continue
		}
		if m := listItem.FindStringSubmatch(line); m != nil {
			flush()
			b.text(ingestion.BlockListItem, m[1], page)
			continue
		}
		prose = append(prose, line)
	}
	flush()
}

func headingLine(line string) (int, string, bool) {
	if m := markdownHeading.FindStringSubmatch(line); m != nil {
		return len(m[1]), m[2], true
	}
	if len(line) <= 100 && len(strings.Fields(line)) <= 12 && !strings.HasSuffix(line, ".") {
		if m := keywordHeading.FindStringSubmatch(line); m != nil {
			switch strings.ToLower(m[1]) {
			case "lesson", "section":
				return 2, line, true
			default:
				return 1, line, true
			}
		}
	}
	if isAllCaps(line) {
		return 1, line, true
	}
	return 0, "", false
}

func isAllCaps(line string) bool {
	if len(line) > 60 || len(strings.Fields(line)) > 8 {
		return false
	}
	letters := 0
	for _, r := range line {
		if unicode.IsLetter(r) {
			if !unicode.IsUpper(r) {
				return false
			}
			letters++
		}
	}
	return letters >= 3
}
