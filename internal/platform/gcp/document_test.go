package gcp

import (
	"testing"

	"cloud.google.com/go/documentai/apiv1/documentaipb"
)

func anchor(start, end int64) *documentaipb.Document_TextAnchor {
	return &documentaipb.Document_TextAnchor{
		TextSegments: []*documentaipb.Document_TextAnchor_TextSegment{{StartIndex: start, EndIndex: end}},
	}
}

func TestPagesFromDocument(t *testing.T) {
	text := "Unit One\nPlants need light.\n"
	doc := &documentaipb.Document{
		Text: text,
		Pages: []*documentaipb.Document_Page{{
			PageNumber: 1,
			Paragraphs: []*documentaipb.Document_Page_Paragraph{
				{Layout: &documentaipb.Document_Page_Layout{TextAnchor: anchor(0, 9)}},
				{Layout: &documentaipb.Document_Page_Layout{TextAnchor: anchor(9, 200)}},
				{Layout: nil},
			},
		}},
	}
	pages := PagesFromDocument(doc)
	if len(pages) != 1 || len(pages[0].Paragraphs) != 2 {
		t.Fatalf("unexpected pages: %+v", pages)
	}
	if pages[0].Paragraphs[0] != "Unit One" || pages[0].Paragraphs[1] != "Plants need light." {
		t.Fatalf("unexpected paragraphs: %q", pages[0].Paragraphs)
	}
}

func TestPagesFromDocumentFallsBackToText(t *testing.T) {
	pages := PagesFromDocument(&documentaipb.Document{Text: "  only text  "})
	if len(pages) != 1 || pages[0].Paragraphs[0] != "only text" {
		t.Fatalf("unexpected fallback: %+v", pages)
	}
}

func TestProcessorName(t *testing.T) {
	if got := processorName("p", "us", "abc", ""); got != "projects/p/locations/us/processors/abc" {
		t.Fatalf("got %q", got)
	}
	if got := processorName("p", "eu", "abc", "v2"); got != "projects/p/locations/eu/processors/abc/processorVersions/v2" {
		t.Fatalf("got %q", got)
	}
	if (DocAIConfig{Location: "us"}).Enabled() {
		t.Fatalf("config without project must be disabled")
	}
}
