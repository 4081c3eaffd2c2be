package align

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
)

// MediaLine is how media blocks travel through lesson bodies.
var MediaLine = regexp.MustCompile(`^!\[media\]\((.+)\)$`)

// Draft builds the deterministic aligned outline the capability refines.
func (c *Conventions) Draft(sc *ingestion.StructuredContent, raw *ingestion.RawContent) *ingestion.AlignedContent {
	course := c.Title(sc.Title)
	out := &ingestion.AlignedContent{
		CourseTitle:       course,
		CourseDescription: truncate(firstParagraph(raw), c.DescriptionMaxChars),
		NavigationMode:    c.NavigationMode,
	}
	for _, m := range sc.Modules {
		mod := ingestion.AlignedModule{Title: c.Title(m.Title)}
		for _, l := range m.Lessons {
			title := c.Title(l.Title)
			body := strings.TrimSpace(l.Body)
			if body == "" {
				body = RenderBody(raw, l.BlockRefs)
			}
			mod.Lessons = append(mod.Lessons, ingestion.AlignedLesson{
				Title:   title,
				Summary: c.summary(title, body),
				Body:    body,
				Tasks:   c.tasksFor(course, mod.Title, title),
			})
		}
		out.Modules = append(out.Modules, mod)
	}
	if out.CourseDescription == "" {
		out.CourseDescription = fmt.Sprintf("A course on %s.", course)
	}
	return out
}

// RenderBody flattens referenced blocks to light markdown.
func RenderBody(raw *ingestion.RawContent, refs []int) string {
	if raw == nil {
		return ""
	}
	var parts []string
	for _, i := range refs {
		if i < 0 || i >= len(raw.Blocks) {
			continue
		}
		b := raw.Blocks[i]
		switch b.Kind {
		case ingestion.BlockHeading:
			parts = append(parts, "## "+b.Text)
		case ingestion.BlockListItem:
			parts = append(parts, "- "+b.Text)
		case ingestion.BlockMedia:
			parts = append(parts, "![media]("+b.MediaRef+")")
		default:
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (c *Conventions) summary(title, body string) string {
	for _, para := range strings.Split(body, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" || strings.HasPrefix(para, "#") || strings.HasPrefix(para, "- ") || MediaLine.MatchString(para) {
			continue
		}
		return truncate(firstSentence(para), c.SummaryMaxChars)
	}
	return truncate(title, c.SummaryMaxChars)
}

func firstSentence(s string) string {
	for i, r := range s {
		if (r == '.' || r == '!' || r == '?') && (i+1 == len(s) || s[i+1] == ' ') {
			return s[:i+1]
		}
	}
	return s
}

func firstParagraph(raw *ingestion.RawContent) string {
	if raw == nil {
		return ""
	}
	for _, b := range raw.Blocks {
		if b.Kind == ingestion.BlockParagraph && strings.TrimSpace(b.Text) != "" {
			return b.Text
		}
	}
	return ""
}

// mediaRefs lists media lines in body, in order.
func mediaRefs(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if m := MediaLine.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			out = append(out, m[1])
		}
	}
	return out
}
