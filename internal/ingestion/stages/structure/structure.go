// Package structure detects the module and lesson hierarchy of a parsed document.
package structure

import (
	"context"
	"fmt"
	"sort"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

// LowConfidenceThreshold flags outlines a reviewer should look at closely.
const LowConfidenceThreshold = 0.5

// Confidence by heading origin.
var sourceConfidence = map[ingestion.HeadingSource]float64{
	ingestion.HeadingsFromManifest:  0.9,
	ingestion.HeadingsFromStyles:    0.8,
	ingestion.HeadingsFromHeuristic: 0.6,
	ingestion.HeadingsNone:          0.3,
	ingestion.HeadingsFromReviewer:  1.0,
}

type Executor struct {
	log *logger.Logger
}

func New(log *logger.Logger) *Executor {
	return &Executor{log: log.Named("stage.structure")}
}

func (e *Executor) Stage() ingestion.Stage { return ingestion.StageStructure }

func (e *Executor) Run(ctx context.Context, in stages.Input, report stages.ProgressFunc) (ingestion.StageOutput, error) {
	raw, err := stages.PriorAs[*ingestion.RawContent](in)
	if err != nil {
		return nil, err
	}
	if report == nil {
		report = stages.NopProgress
	}
	out := Detect(raw)
	report(ingestion.StageProgress{
		Stage:     ingestion.StageStructure.String(),
		Completed: 1,
		Total:     1,
		Item:      fmt.Sprintf("%d modules, %d lessons", len(out.Modules), out.LessonCount()),
	})
	e.log.Info("structure detected",
		"session_id", in.SessionID,
		"modules", len(out.Modules),
		"lessons", out.LessonCount(),
		"confidence", out.Confidence,
		"low_confidence", out.LowConfidence,
	)
	return out, ctx.Err()
}

// Detect maps sections onto modules and lessons. Two or more section levels
// give modules from the top level and lessons from the second; deeper sections
// stay inside their lesson. A single level gives one module with a lesson per
// section. No sections gives one lesson holding every block.
func Detect(raw *ingestion.RawContent) *ingestion.StructuredContent {
	base, ok := sourceConfidence[raw.HeadingSource]
	if !ok {
		base = sourceConfidence[ingestion.HeadingsNone]
	}
	title := raw.Title
	if title == "" {
		title = "Untitled course"
	}

	var modules []ingestion.ModuleOutline
	if len(raw.Sections) > 0 {
		modules = fromSections(raw, title, base)
	}
	if len(modules) == 0 {
		base = sourceConfidence[ingestion.HeadingsNone]
		modules = []ingestion.ModuleOutline{{
			Title:      title,
			Confidence: base,
			Lessons: []ingestion.LessonOutline{{
				Title:      title,
				Confidence: base,
				BlockRefs:  contentRefs(raw.Blocks, 0, len(raw.Blocks)),
			}},
		}}
	}
	return &ingestion.StructuredContent{
		Title:         title,
		Modules:       modules,
		Confidence:    base,
		LowConfidence: base < LowConfidenceThreshold,
		Source:        raw.HeadingSource,
	}
}

func fromSections(raw *ingestion.RawContent, title string, base float64) []ingestion.ModuleOutline {
	levels := distinctLevels(raw.Sections)
	twoLevel := len(levels) >= 2
	moduleLevel, lessonLevel := levels[0], levels[0]
	if twoLevel {
		lessonLevel = levels[1]
	}
	at := make(map[int]ingestion.Section, len(raw.Sections))
	for _, s := range raw.Sections {
		at[s.StartBlock] = s
	}

	var (
		modules []ingestion.ModuleOutline
		mod     *ingestion.ModuleOutline
		lesson  *ingestion.LessonOutline
	)
	closeModule := func() {
		if mod != nil && len(mod.Lessons) > 0 {
			modules = append(modules, *mod)
		}
		mod, lesson = nil, nil
	}
	openModule := func(t string) {
		closeModule()
		mod = &ingestion.ModuleOutline{Title: t, Confidence: base}
	}
	openLesson := func(t string) {
		if mod == nil {
			openModule(title)
		}
		mod.Lessons = append(mod.Lessons, ingestion.LessonOutline{Title: t, Confidence: base})
		lesson = &mod.Lessons[len(mod.Lessons)-1]
	}
	if !twoLevel {
		openModule(title)
	}

	// Headings that are not sections, and deeper sections, stay as lesson content.
	for i := range raw.Blocks {
		if s, ok := at[i]; ok {
			switch {
			case twoLevel && s.Level == moduleLevel:
				openModule(s.Title)
				continue
			case s.Level == lessonLevel:
				openLesson(s.Title)
				continue
			}
		}
		if lesson == nil {
			switch {
			case mod == nil:
				openModule("Introduction")
				openLesson("Introduction")
			default:
				openLesson(mod.Title)
			}
		}
		lesson.BlockRefs = append(lesson.BlockRefs, i)
	}
	closeModule()

	for mi := range modules {
		minConf := base
		for li := range modules[mi].Lessons {
			l := &modules[mi].Lessons[li]
			if len(l.BlockRefs) == 0 {
				l.Confidence = clamp(base - 0.2)
			}
			if l.Confidence < minConf {
				minConf = l.Confidence
			}
		}
		modules[mi].Confidence = minConf
	}
	return modules
}

func distinctLevels(sections []ingestion.Section) []int {
	seen := map[int]bool{}
	var out []int
	for _, s := range sections {
		if !seen[s.Level] {
			seen[s.Level] = true
			out = append(out, s.Level)
		}
	}
	sort.Ints(out)
	return out
}

// contentRefs lists blocks in [from, to) that carry content.
func contentRefs(blocks []ingestion.Block, from, to int) []int {
	var out []int
	for i := from; i < to && i < len(blocks); i++ {
		if blocks[i].Kind == ingestion.BlockHeading && blocks[i].Text == "" {
			continue
		}
		out = append(out, i)
	}
	return out
}

func clamp(v float64) float64 {
	if v < 0.1 {
		return 0.1
	}
	return v
}
