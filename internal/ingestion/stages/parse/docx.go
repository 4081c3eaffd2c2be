package parse

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages"
)

type docxParagraph struct {
	Style  string
	Text   string
	List   bool
	Embeds []string
}

func parseDOCX(ctx context.Context, in stages.Input, report stages.ProgressFunc) (*ingestion.RawContent, error) {
	if !isZip(in.Source) {
		return nil, parseErr(in.SourceType, "not a zip container", nil)
	}
	zr, err := zip.NewReader(bytes.NewReader(in.Source), int64(len(in.Source)))
	if err != nil {
		return nil, parseErr(in.SourceType, "unreadable container", err)
	}
	body, err := readZipFile(zr.File, "word/document.xml")
	if err != nil {
		return nil, parseErr(in.SourceType, "missing word/document.xml", err)
	}
	rels := docxRelationships(zr.File)

	var b blockBuilder
	for _, f := range findZipFiles(zr.File, "word/media/", "") {
		b.addMedia(ingestion.MediaRef{ID: path.Base(f), Path: f})
	}

	var title string
	styled := 0
	paras := extractDocxParagraphs(body)
	useStyles := false
	for _, p := range paras {
		if level, isTitle := headingStyleLevel(p.Style); level > 0 || isTitle {
			useStyles = true
			break
		}
	}
	for i, p := range paras {
		if i%50 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		switch level, isTitle := headingStyleLevel(p.Style); {
		case isTitle && p.Text != "":
			if title == "" {
				title = collapse(p.Text)
			}
			styled++
			b.heading(1, p.Text, 0)
		case level > 0 && p.Text != "":
			styled++
			b.heading(level, p.Text, 0)
		case p.List:
			b.text(ingestion.BlockListItem, p.Text, 0)
		case p.Text != "":
			if !useStyles {
				addTextParagraph(&b, p.Text, 0)
			} else {
				b.text(ingestion.BlockParagraph, p.Text, 0)
			}
		}
		for _, id := range p.Embeds {
			target, ok := rels[id]
			if !ok {
				b.warn(fmt.Sprintf("image relationship %s not found", id))
				continue
			}
			full := path.Clean(path.Join("word", target))
			b.mediaBlock(ingestion.MediaRef{ID: path.Base(full), Path: full}, 0)
		}
		report(ingestion.StageProgress{
			Stage:     ingestion.StageParse.String(),
			Completed: i + 1,
			Total:     len(paras),
			Item:      fmt.Sprintf("paragraph %d of %d", i+1, len(paras)),
		})
	}

	raw := &ingestion.RawContent{
		Title:         title,
		Blocks:        b.blocks,
		Media:         b.media,
		Warnings:      b.warnings,
		HeadingSource: ingestion.HeadingsNone,
	}
	switch {
	case styled > 0:
		raw.HeadingSource = ingestion.HeadingsFromStyles
	case b.headings > 0:
		raw.HeadingSource = ingestion.HeadingsFromHeuristic
	}
	return raw, nil
}

// headingStyleLevel maps Word paragraph styles ("Heading2", "heading 2", "Title")
// to a heading level.
func headingStyleLevel(style string) (int, bool) {
	s := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(style), " ", ""))
	if s == "title" {
		return 1, true
	}
	if !strings.HasPrefix(s, "heading") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(s, "heading"))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, false
}

func readZipFile(files []*zip.File, target string) ([]byte, error) {
	for _, f := range files {
		if f == nil {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(f.Name), strings.TrimSpace(target)) {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("file not found: %s", target)
}

func findZipFiles(files []*zip.File, prefix string, suffix string) []string {
	out := []string{}
	for _, f := range files {
		if f == nil || strings.HasSuffix(f.Name, "/") {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(f.Name))
		if strings.HasPrefix(name, strings.ToLower(prefix)) && strings.HasSuffix(name, strings.ToLower(suffix)) {
			out = append(out, strings.TrimSpace(f.Name))
		}
	}
	sort.Strings(out)
	return out
}

// docxRelationships maps relationship ids to targets relative to word/.
func docxRelationships(files []*zip.File) map[string]string {
	out := map[string]string{}
	raw, err := readZipFile(files, "word/_rels/document.xml.rels")
	if err != nil {
		return out
	}
	var rels struct {
		Items []struct {
			ID     string `xml:"Id,attr"`
			Target string `xml:"Target,attr"`
		} `xml:"Relationship"`
	}
	if err := xml.Unmarshal(raw, &rels); err != nil {
		return out
	}
	for _, r := range rels.Items {
		out[r.ID] = r.Target
	}
	return out
}

func extractDocxParagraphs(body []byte) []docxParagraph {
	if len(body) == 0 {
		return nil
	}
	dec := xml.NewDecoder(bytes.NewReader(body))
	var (
		inParagraph bool
		inText      bool
		cur         docxParagraph
		text        strings.Builder
		out         []docxParagraph
	)
	for {
		tok, err := dec.Token()
		if err != nil {
			return out
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				inParagraph = true
				inText = false
				cur = docxParagraph{}
				text.Reset()
			case "pStyle":
				if inParagraph {
					cur.Style = attr(t, "val")
				}
			case "numPr":
				if inParagraph {
					cur.List = true
				}
			case "blip":
				if inParagraph {
					if id := attr(t, "embed"); id != "" {
						cur.Embeds = append(cur.Embeds, id)
					}
				}
			case "t":
				if inParagraph {
					inText = true
				}
			case "tab":
				if inParagraph {
					text.WriteString(" ")
				}
			}
		case xml.CharData:
			if inParagraph && inText {
				text.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if inParagraph {
					cur.Text = strings.TrimSpace(text.String())
					if strings.HasPrefix(strings.ToLower(cur.Style), "list") {
						cur.List = true
					}
					out = append(out, cur)
				}
				inParagraph = false
				inText = false
			}
		}
	}
}

func attr(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if strings.EqualFold(a.Name.Local, local) {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}
