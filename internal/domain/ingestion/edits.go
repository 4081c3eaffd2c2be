package ingestion

import (
	"fmt"
	"strings"
)

// StructureEdits replaces the detected outline wholesale.
type StructureEdits struct {
	Title   string          `json:"title,omitempty"`
	Modules []ModuleOutline `json:"modules"`
}

// Validate checks the edits against the raw blocks they may reference.
func (e *StructureEdits) Validate(raw *RawContent) error {
	if e == nil {
		return nil
	}
	if len(e.Modules) == 0 {
		return invalidEdits("at least one module is required")
	}
	blocks := 0
	if raw != nil {
		blocks = len(raw.Blocks)
	}
	for mi, m := range e.Modules {
		if strings.TrimSpace(m.Title) == "" {
			return invalidEdits("modules[%d].title is required", mi)
		}
		if len(m.Lessons) == 0 {
			return invalidEdits("modules[%d] has no lessons", mi)
		}
		for li, l := range m.Lessons {
			if strings.TrimSpace(l.Title) == "" {
				return invalidEdits("modules[%d].lessons[%d].title is required", mi, li)
			}
			if len(l.BlockRefs) == 0 && strings.TrimSpace(l.Body) == "" {
				return invalidEdits("modules[%d].lessons[%d] needs block_refs or body", mi, li)
			}
			for _, ref := range l.BlockRefs {
				if ref < 0 || ref >= blocks {
					return invalidEdits("modules[%d].lessons[%d] references missing block %d", mi, li, ref)
				}
			}
		}
	}
	return nil
}

// AsStructure turns the edits into an outline with reviewer confidence.
func (e *StructureEdits) AsStructure(fallbackTitle string) *StructuredContent {
	title := strings.TrimSpace(e.Title)
	if title == "" {
		title = fallbackTitle
	}
	out := &StructuredContent{Title: title, Confidence: 1, Source: HeadingsFromReviewer}
	for _, m := range e.Modules {
		mod := ModuleOutline{Title: m.Title, Confidence: 1}
		for _, l := range m.Lessons {
			l.Confidence = 1
			mod.Lessons = append(mod.Lessons, l)
		}
		out.Modules = append(out.Modules, mod)
	}
	return out
}

// PreviewEdits is the override layer a reviewer applies to the generated preview.
type PreviewEdits struct {
	Course   *CourseEdit     `json:"course,omitempty"`
	Lessons  []LessonEdit    `json:"lessons,omitempty"`
	Tasks    []TaskEdit      `json:"tasks,omitempty"`
	AddTasks []GeneratedTask `json:"add_tasks,omitempty"`
}

type CourseEdit struct {
	Title          *string         `json:"title,omitempty"`
	Description    *string         `json:"description,omitempty"`
	NavigationMode *NavigationMode `json:"navigation_mode,omitempty"`
}

// LessonEdit targets a lesson by sequence_order.
type LessonEdit struct {
	SequenceOrder int            `json:"sequence_order"`
	Title         *string        `json:"title,omitempty"`
	ContentBlocks []ContentBlock `json:"content_blocks,omitempty"`
	Remove        bool           `json:"remove,omitempty"`
}

// TaskEdit targets a task by its index in the generated task list.
type TaskEdit struct {
	Index          int     `json:"index"`
	Title          *string `json:"title,omitempty"`
	EvidencePrompt *string `json:"evidence_prompt,omitempty"`
	Remove         bool    `json:"remove,omitempty"`
}

func (e *PreviewEdits) Empty() bool {
	return e == nil || (e.Course == nil && len(e.Lessons) == 0 && len(e.Tasks) == 0 && len(e.AddTasks) == 0)
}

// ApplyEdits returns a copy of content with edits layered on top and validated.
// content itself is not modified.
func ApplyEdits(content *GeneratedContent, edits *PreviewEdits) (*GeneratedContent, error) {
	if content == nil {
		return nil, fmt.Errorf("generate: %w", ErrOutputMissing)
	}
	out := content.clone()
	if !edits.Empty() {
		if err := applyPreviewEdits(out, edits); err != nil {
			return nil, err
		}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func applyPreviewEdits(out *GeneratedContent, edits *PreviewEdits) error {
	if c := edits.Course; c != nil {
		if c.Title != nil {
			out.Course.Title = strings.TrimSpace(*c.Title)
		}
		if c.Description != nil {
			out.Course.Description = strings.TrimSpace(*c.Description)
		}
		if c.NavigationMode != nil {
			out.Course.NavigationMode = *c.NavigationMode
		}
	}

	removedLessons := map[int]bool{}
	for _, le := range edits.Lessons {
		idx := -1
		for i := range out.Lessons {
			if out.Lessons[i].SequenceOrder == le.SequenceOrder {
				idx = i
				break
			}
		}
		if idx < 0 {
			return invalidEdits("lesson %d does not exist", le.SequenceOrder)
		}
		if le.Remove {
			removedLessons[le.SequenceOrder] = true
			continue
		}
		if le.Title != nil {
			out.Lessons[idx].Title = strings.TrimSpace(*le.Title)
		}
		if le.ContentBlocks != nil {
			out.Lessons[idx].ContentBlocks = append([]ContentBlock(nil), le.ContentBlocks...)
		}
	}

	removedTasks := map[int]bool{}
	for _, te := range edits.Tasks {
		if te.Index < 0 || te.Index >= len(out.Tasks) {
			return invalidEdits("task %d does not exist", te.Index)
		}
		if te.Remove {
			removedTasks[te.Index] = true
			continue
		}
		if te.Title != nil {
			out.Tasks[te.Index].Title = strings.TrimSpace(*te.Title)
		}
		if te.EvidencePrompt != nil {
			out.Tasks[te.Index].EvidencePrompt = strings.TrimSpace(*te.EvidencePrompt)
		}
	}

	if len(removedLessons) > 0 {
		kept := out.Lessons[:0]
		for _, l := range out.Lessons {
			if !removedLessons[l.SequenceOrder] {
				kept = append(kept, l)
			}
		}
		out.Lessons = kept
	}
	tasks := make([]GeneratedTask, 0, len(out.Tasks)+len(edits.AddTasks))
	for i, t := range out.Tasks {
		if removedTasks[i] || removedLessons[t.LessonRef] {
			continue
		}
		tasks = append(tasks, t)
	}
	out.Tasks = append(tasks, edits.AddTasks...)
	return nil
}
