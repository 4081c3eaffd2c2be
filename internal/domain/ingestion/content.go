package ingestion

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// GeneratedContent is the final preview the materializer consumes.
type GeneratedContent struct {
	Course  GeneratedCourse   `json:"course"`
	Lessons []GeneratedLesson `json:"lessons" validate:"required,min=1,dive"`
	Tasks   []GeneratedTask   `json:"tasks" validate:"dive"`
}

type GeneratedCourse struct {
	Title          string         `json:"title" validate:"required,max=200"`
	Description    string         `json:"description" validate:"max=5000"`
	NavigationMode NavigationMode `json:"navigation_mode" validate:"required,oneof=sequential freeform"`
}

type GeneratedLesson struct {
	Title         string         `json:"title" validate:"required,max=200"`
	SequenceOrder int            `json:"sequence_order" validate:"gte=1"`
	ContentBlocks []ContentBlock `json:"content_blocks" validate:"dive"`
}

type ContentBlock struct {
	Type     string `json:"type" validate:"required,oneof=text heading list media"`
	Content  string `json:"content,omitempty" validate:"required_unless=Type media"`
	MediaRef string `json:"media_ref,omitempty" validate:"required_if=Type media"`
}

// GeneratedTask.LessonRef names a lesson by its sequence_order.
type GeneratedTask struct {
	LessonRef      int    `json:"lesson_ref" validate:"gte=1"`
	Title          string `json:"title" validate:"required,max=200"`
	EvidencePrompt string `json:"evidence_prompt" validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// SchemaError lists every violation found in a generated preview.
type SchemaError struct {
	Problems []string
}

func (e *SchemaError) Error() string {
	return "generated content invalid: " + strings.Join(e.Problems, "; ")
}

// Validate checks the field rules and the cross references between tasks and lessons.
func (g *GeneratedContent) Validate() error {
	var problems []string
	if err := validate.Struct(g); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		for _, fe := range verrs {
			ns := fe.Namespace()
			if i := strings.Index(ns, "."); i >= 0 {
				ns = ns[i+1:]
			}
			problems = append(problems, fmt.Sprintf("%s failed %s", ns, fe.Tag()))
		}
	}
	seen := make(map[int]bool, len(g.Lessons))
	for i, l := range g.Lessons {
		if seen[l.SequenceOrder] {
			problems = append(problems, fmt.Sprintf("lessons[%d].sequence_order %d duplicated", i, l.SequenceOrder))
		}
		seen[l.SequenceOrder] = true
	}
	for i, t := range g.Tasks {
		if t.LessonRef >= 1 && !seen[t.LessonRef] {
			problems = append(problems, fmt.Sprintf("tasks[%d].lesson_ref %d matches no lesson", i, t.LessonRef))
		}
	}
	if len(problems) > 0 {
		return &SchemaError{Problems: problems}
	}
	return nil
}

// SortedLessons returns lessons ordered by sequence_order.
func (g *GeneratedContent) SortedLessons() []GeneratedLesson {
	out := append([]GeneratedLesson(nil), g.Lessons...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SequenceOrder < out[j].SequenceOrder })
	return out
}

func (g *GeneratedContent) clone() *GeneratedContent {
	out := &GeneratedContent{Course: g.Course}
	for _, l := range g.Lessons {
		l.ContentBlocks = append([]ContentBlock(nil), l.ContentBlocks...)
		out.Lessons = append(out.Lessons, l)
	}
	out.Tasks = append([]GeneratedTask(nil), g.Tasks...)
	return out
}
