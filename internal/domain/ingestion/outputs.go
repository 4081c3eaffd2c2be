package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"
)

// StageOutput is the product of exactly one stage. Each variant is written whole
// and never merged with a previous attempt.
type StageOutput interface {
	Stage() Stage
	isStageOutput()
}

var ErrOutputMissing = errors.New("stage output not present")

// EncodeOutput serializes out for its stage column.
func EncodeOutput(out StageOutput) (datatypes.JSON, error) {
	if out == nil {
		return nil, errors.New("nil stage output")
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s output: %w", out.Stage(), err)
	}
	return datatypes.JSON(b), nil
}

// DecodeOutput decodes raw into the variant that belongs to stage.
func DecodeOutput(stage Stage, raw datatypes.JSON) (StageOutput, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s: %w", stage, ErrOutputMissing)
	}
	var out StageOutput
	switch stage {
	case StageParse:
		out = &RawContent{}
	case StageStructure:
		out = &StructuredContent{}
	case StageAlign:
		out = &AlignedContent{}
	case StageGenerate:
		out = &GeneratedContent{}
	default:
		return nil, fmt.Errorf("unknown stage %d", int(stage))
	}
	if err := decodeStrict(raw, out); err != nil {
		return nil, fmt.Errorf("decode %s output: %w", stage, err)
	}
	return out, nil
}

func decodeStrict(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

type BlockKind string

const (
	BlockHeading   BlockKind = "heading"
	BlockParagraph BlockKind = "paragraph"
	BlockListItem  BlockKind = "list_item"
	BlockMedia     BlockKind = "media"
)

// HeadingSource records where heading boundaries came from; structure detection
// derives its confidence from it.
type HeadingSource string

const (
	HeadingsFromManifest  HeadingSource = "manifest"
	HeadingsFromStyles    HeadingSource = "styles"
	HeadingsFromHeuristic HeadingSource = "heuristic"
	HeadingsNone          HeadingSource = "none"
	HeadingsFromReviewer  HeadingSource = "reviewer"
)

type Block struct {
	Index    int       `json:"index"`
	Kind     BlockKind `json:"kind"`
	Level    int       `json:"level,omitempty"`
	Text     string    `json:"text,omitempty"`
	Page     int       `json:"page,omitempty"`
	MediaRef string    `json:"media_ref,omitempty"`
}

// Section spans blocks [StartBlock, EndBlock) under one heading.
type Section struct {
	Title      string `json:"title"`
	Level      int    `json:"level"`
	StartBlock int    `json:"start_block"`
	EndBlock   int    `json:"end_block"`
}

type MediaRef struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	ContentType string `json:"content_type,omitempty"`
}

// RawContent is the normalized document tree produced by parsing.
type RawContent struct {
	Title         string        `json:"title,omitempty"`
	SourceType    SourceType    `json:"source_type"`
	Blocks        []Block       `json:"blocks"`
	Sections      []Section     `json:"sections,omitempty"`
	Media         []MediaRef    `json:"media,omitempty"`
	PageCount     int           `json:"page_count,omitempty"`
	HeadingSource HeadingSource `json:"heading_source"`
	Warnings      []string      `json:"warnings,omitempty"`
}

func (*RawContent) Stage() Stage   { return StageParse }
func (*RawContent) isStageOutput() {}

// BuildSections indexes heading blocks into sections. Content before the first
// heading is left out of every section.
func BuildSections(blocks []Block) []Section {
	var out []Section
	for i, b := range blocks {
		if b.Kind != BlockHeading {
			continue
		}
		if n := len(out); n > 0 {
			out[n-1].EndBlock = i
		}
		level := b.Level
		if level <= 0 {
			level = 1
		}
		out = append(out, Section{Title: b.Text, Level: level, StartBlock: i, EndBlock: len(blocks)})
	}
	return out
}

// StructuredContent is the candidate module/lesson hierarchy.
type StructuredContent struct {
	Title         string          `json:"title"`
	Modules       []ModuleOutline `json:"modules"`
	Confidence    float64         `json:"confidence"`
	LowConfidence bool            `json:"low_confidence"`
	Source        HeadingSource   `json:"source"`
}

type ModuleOutline struct {
	Title      string          `json:"title"`
	Confidence float64         `json:"confidence"`
	Lessons    []LessonOutline `json:"lessons"`
}

// LessonOutline points at raw blocks. Body replaces the referenced blocks when a
// reviewer supplied the lesson text directly.
type LessonOutline struct {
	Title      string  `json:"title"`
	Confidence float64 `json:"confidence"`
	BlockRefs  []int   `json:"block_refs,omitempty"`
	Body       string  `json:"body,omitempty"`
}

func (*StructuredContent) Stage() Stage   { return StageStructure }
func (*StructuredContent) isStageOutput() {}

func (s *StructuredContent) LessonCount() int {
	n := 0
	for _, m := range s.Modules {
		n += len(m.Lessons)
	}
	return n
}

type NavigationMode string

const (
	NavigationSequential NavigationMode = "sequential"
	NavigationFreeform   NavigationMode = "freeform"
)

// AlignedContent is the outline rewritten to the platform's pedagogical conventions.
type AlignedContent struct {
	CourseTitle       string          `json:"course_title"`
	CourseDescription string          `json:"course_description"`
	NavigationMode    NavigationMode  `json:"navigation_mode"`
	Modules           []AlignedModule `json:"modules"`
}

type AlignedModule struct {
	Title   string          `json:"title"`
	Lessons []AlignedLesson `json:"lessons"`
}

type AlignedLesson struct {
	Title   string        `json:"title"`
	Summary string        `json:"summary"`
	Body    string        `json:"body"`
	Tasks   []AlignedTask `json:"tasks"`
}

type AlignedTask struct {
	Type           string `json:"type"`
	Title          string `json:"title"`
	EvidencePrompt string `json:"evidence_prompt"`
}

func (*AlignedContent) Stage() Stage   { return StageAlign }
func (*AlignedContent) isStageOutput() {}

func (a *AlignedContent) LessonCount() int {
	n := 0
	for _, m := range a.Modules {
		n += len(m.Lessons)
	}
	return n
}

func (*GeneratedContent) Stage() Stage   { return StageGenerate }
func (*GeneratedContent) isStageOutput() {}
