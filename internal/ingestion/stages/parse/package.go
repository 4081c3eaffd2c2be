package parse

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"path"
	"strings"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages"
)

// imsManifest covers the parts of IMS Common Cartridge and SCORM manifests the
// parser reads. Element names are matched without namespaces.
type imsManifest struct {
	Organizations struct {
		Default       string            `xml:"default,attr"`
		Organizations []imsOrganization `xml:"organization"`
	} `xml:"organizations"`
	Resources struct {
		Resources []imsResource `xml:"resource"`
	} `xml:"resources"`
}

type imsOrganization struct {
	Identifier string    `xml:"identifier,attr"`
	Title      string    `xml:"title"`
	Items      []imsItem `xml:"item"`
}

type imsItem struct {
	Identifier    string    `xml:"identifier,attr"`
	IdentifierRef string    `xml:"identifierref,attr"`
	Title         string    `xml:"title"`
	Items         []imsItem `xml:"item"`
}

type imsResource struct {
	Identifier string `xml:"identifier,attr"`
	Type       string `xml:"type,attr"`
	Href       string `xml:"href,attr"`
	Base       string `xml:"base,attr"`
	Files      []struct {
		Href string `xml:"href,attr"`
	} `xml:"file"`
}

func (r imsResource) entry() string {
	if r.Href != "" {
		return path.Join(r.Base, r.Href)
	}
	if len(r.Files) > 0 {
		return path.Join(r.Base, r.Files[0].Href)
	}
	return ""
}

type pkgItem struct {
	title    string
	level    int
	resource string
}

func parsePackage(ctx context.Context, in stages.Input, maxItems int, report stages.ProgressFunc) (*ingestion.RawContent, error) {
	if !isZip(in.Source) {
		return nil, parseErr(in.SourceType, "not a zip container", nil)
	}
	zr, err := zip.NewReader(bytes.NewReader(in.Source), int64(len(in.Source)))
	if err != nil {
		return nil, parseErr(in.SourceType, "unreadable container", err)
	}
	manifestPath := ""
	for _, name := range findZipFiles(zr.File, "", "imsmanifest.xml") {
		if path.Base(name) == "imsmanifest.xml" && (manifestPath == "" || len(name) < len(manifestPath)) {
			manifestPath = name
		}
	}
	if manifestPath == "" {
		return nil, parseErr(in.SourceType, "imsmanifest.xml not found", nil)
	}
	rawManifest, err := readZipFile(zr.File, manifestPath)
	if err != nil {
		return nil, parseErr(in.SourceType, "unreadable manifest", err)
	}
	var m imsManifest
	if err := xml.Unmarshal(rawManifest, &m); err != nil {
		return nil, parseErr(in.SourceType, "invalid manifest", err)
	}
	org, ok := pickOrganization(m)
	if !ok {
		return nil, parseErr(in.SourceType, "manifest has no organization items", nil)
	}

	resources := make(map[string]imsResource, len(m.Resources.Resources))
	for _, r := range m.Resources.Resources {
		resources[r.Identifier] = r
	}
	var items []pkgItem
	flattenItems(org.Items, 1, &items)
	if len(items) > maxItems {
		items = items[:maxItems]
	}
	root := path.Dir(manifestPath)

	var (
		b        blockBuilder
		sections []ingestion.Section
	)
	for i, it := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if it.title != "" {
			if n := len(sections); n > 0 {
				sections[n-1].EndBlock = len(b.blocks)
			}
			sections = append(sections, ingestion.Section{Title: collapse(it.title), Level: it.level, StartBlock: len(b.blocks)})
			b.heading(it.level, it.title, 0)
		}
		if it.resource != "" {
			addResource(&b, zr.File, root, resources, it.resource)
		}
		report(ingestion.StageProgress{
			Stage:     ingestion.StageParse.String(),
			Completed: i + 1,
			Total:     len(items),
			Item:      fmt.Sprintf("item %d of %d", i+1, len(items)),
		})
	}
	if n := len(sections); n > 0 {
		sections[n-1].EndBlock = len(b.blocks)
	}

	raw := &ingestion.RawContent{
		Title:         collapse(org.Title),
		Blocks:        b.blocks,
		Sections:      sections,
		Media:         b.media,
		Warnings:      b.warnings,
		HeadingSource: ingestion.HeadingsFromManifest,
	}
	if len(sections) == 0 {
		raw.Sections = []ingestion.Section{}
		raw.HeadingSource = ingestion.HeadingsNone
	}
	return raw, nil
}

func pickOrganization(m imsManifest) (imsOrganization, bool) {
	orgs := m.Organizations.Organizations
	for _, o := range orgs {
		if o.Identifier == m.Organizations.Default && len(o.Items) > 0 {
			return o, true
		}
	}
	for _, o := range orgs {
		if len(o.Items) > 0 {
			return o, true
		}
	}
	return imsOrganization{}, false
}

// flattenItems walks the organization tree depth first. Untitled wrapper items
// (common in Common Cartridge) do not add a level.
func flattenItems(items []imsItem, level int, out *[]pkgItem) {
	for _, it := range items {
		title := strings.TrimSpace(it.Title)
		next := level
		if title != "" {
			next = level + 1
		}
		*out = append(*out, pkgItem{title: title, level: level, resource: it.IdentifierRef})
		flattenItems(it.Items, next, out)
	}
}

func addResource(b *blockBuilder, files []*zip.File, root string, resources map[string]imsResource, ref string) {
	res, ok := resources[ref]
	if !ok {
		b.warn(fmt.Sprintf("resource %s not declared", ref))
		return
	}
	entry := res.entry()
	if entry == "" {
		b.warn(fmt.Sprintf("resource %s has no file", ref))
		return
	}
	full := path.Clean(path.Join(root, entry))
	if isImagePath(full) {
		b.mediaBlock(ingestion.MediaRef{ID: full, Path: full}, 0)
		return
	}
	ext := strings.ToLower(path.Ext(full))
	if ext != ".html" && ext != ".htm" && ext != ".xhtml" {
		b.warn(fmt.Sprintf("resource %s (%s) skipped", ref, res.Type))
		return
	}
	data, err := readZipFile(files, full)
	if err != nil {
		b.warn(fmt.Sprintf("resource %s: %v", ref, err))
		return
	}
	addHTML(b, data, path.Dir(full))
}
