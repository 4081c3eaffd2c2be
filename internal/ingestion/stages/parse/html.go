package parse

import (
	"bytes"
	"path"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
)

// addHTML strips a resource page to paragraphs, list items, inline headings and
// image references. Inline headings are emitted below every manifest level.
func addHTML(b *blockBuilder, data []byte, dir string) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		b.warn("unparseable html: " + err.Error())
		return
	}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Head, atom.Noscript:
				return
			case atom.Img:
				addImage(b, n, dir)
				return
			case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				b.text(ingestion.BlockParagraph, nodeText(n), 0)
				return
			case atom.Li:
				b.text(ingestion.BlockListItem, nodeText(n), 0)
				collectImages(b, n, dir)
				return
			case atom.P, atom.Pre, atom.Blockquote, atom.Td, atom.Th, atom.Figcaption, atom.Dd, atom.Dt:
				b.text(ingestion.BlockParagraph, nodeText(n), 0)
				collectImages(b, n, dir)
				return
			}
		}
		if n.Type == html.TextNode && n.Parent != nil && n.Parent.Type == html.ElementNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				b.text(ingestion.BlockParagraph, t, 0)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style) {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Br {
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func collectImages(b *blockBuilder, n *html.Node, dir string) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Img {
			addImage(b, c, dir)
			continue
		}
		collectImages(b, c, dir)
	}
}

func addImage(b *blockBuilder, n *html.Node, dir string) {
	src := ""
	for _, a := range n.Attr {
		if a.Key == "src" {
			src = strings.TrimSpace(a.Val)
		}
	}
	if src == "" || strings.HasPrefix(src, "data:") {
		return
	}
	if strings.Contains(src, "://") {
		b.mediaBlock(ingestion.MediaRef{ID: src, Path: src}, 0)
		return
	}
	src = strings.ReplaceAll(src, "$IMS-CC-FILEBASE$", "")
	full := path.Clean(path.Join(dir, strings.TrimPrefix(src, "/")))
	b.mediaBlock(ingestion.MediaRef{ID: full, Path: full}, 0)
}
