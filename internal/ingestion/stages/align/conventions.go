package align

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
)

// ConventionsPathEnv overrides the embedded conventions file.
const ConventionsPathEnv = "INGEST_CONVENTIONS_PATH"

//go:embed conventions.yaml
var defaultConventions []byte

// Conventions are the platform's pedagogical rules applied to every outline.
type Conventions struct {
	Version             int                      `yaml:"version"`
	NavigationMode      ingestion.NavigationMode `yaml:"navigation_mode"`
	Titles              TitleRules               `yaml:"titles"`
	SummaryMaxChars     int                      `yaml:"summary_max_chars"`
	DescriptionMaxChars int                      `yaml:"description_max_chars"`
	Tasks               []TaskTemplate           `yaml:"tasks"`
	SystemPrompt        string                   `yaml:"system_prompt"`
}

type TitleRules struct {
	Case      string `yaml:"case"` // title | sentence | none
	MaxLength int    `yaml:"max_length"`
}

// TaskTemplate placeholders: {lesson}, {module}, {course}.
type TaskTemplate struct {
	Type           string `yaml:"type"`
	Title          string `yaml:"title"`
	EvidencePrompt string `yaml:"evidence_prompt"`
}

// LoadConventions reads path, or the embedded defaults when path is empty.
func LoadConventions(path string) (*Conventions, error) {
	data := defaultConventions
	if p := strings.TrimSpace(path); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read conventions: %w", err)
		}
		data = b
	}
	return ParseConventions(data)
}

// LoadConventionsFromEnv honors INGEST_CONVENTIONS_PATH.
func LoadConventionsFromEnv() (*Conventions, error) {
	return LoadConventions(os.Getenv(ConventionsPathEnv))
}

func ParseConventions(data []byte) (*Conventions, error) {
	var c Conventions
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse conventions: %w", err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Conventions) applyDefaults() {
	if c.NavigationMode == "" {
		c.NavigationMode = ingestion.NavigationSequential
	}
	if c.Titles.Case == "" {
		c.Titles.Case = "title"
	}
	if c.Titles.MaxLength <= 0 {
		c.Titles.MaxLength = 80
	}
	if c.SummaryMaxChars <= 0 {
		c.SummaryMaxChars = 280
	}
	if c.DescriptionMaxChars <= 0 {
		c.DescriptionMaxChars = 600
	}
}

func (c *Conventions) validate() error {
	var errs []error
	switch c.NavigationMode {
	case ingestion.NavigationSequential, ingestion.NavigationFreeform:
	default:
		errs = append(errs, fmt.Errorf("navigation_mode %q is not sequential or freeform", c.NavigationMode))
	}
	switch c.Titles.Case {
	case "title", "sentence", "none":
	default:
		errs = append(errs, fmt.Errorf("titles.case %q is not title, sentence or none", c.Titles.Case))
	}
	if c.Titles.MaxLength > 200 {
		errs = append(errs, fmt.Errorf("titles.max_length %d exceeds 200", c.Titles.MaxLength))
	}
	if len(c.Tasks) == 0 {
		errs = append(errs, errors.New("at least one task template is required"))
	}
	for i, t := range c.Tasks {
		if strings.TrimSpace(t.Type) == "" || strings.TrimSpace(t.Title) == "" || strings.TrimSpace(t.EvidencePrompt) == "" {
			errs = append(errs, fmt.Errorf("tasks[%d] needs type, title and evidence_prompt", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid conventions: %w", err)
	}
	return nil
}

var minorWords = map[string]bool{
	"a": true, "an": true, "and": true, "as": true, "at": true, "but": true, "by": true, "for": true,
	"in": true, "of": true, "on": true, "or": true, "the": true, "to": true, "with": true,
}

// Title applies the casing and length rules.
func (c *Conventions) Title(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	switch c.Titles.Case {
	case "title":
		words := strings.Fields(s)
		for i, w := range words {
			if i > 0 && minorWords[strings.ToLower(w)] {
				words[i] = strings.ToLower(w)
				continue
			}
			if isShouting(w) {
				w = strings.ToLower(w)
			}
			words[i] = upperFirst(w)
		}
		s = strings.Join(words, " ")
	case "sentence":
		if isShouting(s) {
			s = strings.ToLower(s)
		}
		s = upperFirst(s)
	}
	return truncate(s, c.Titles.MaxLength)
}

// isShouting reports an all-caps word or phrase longer than an acronym.
func isShouting(s string) bool {
	letters := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			if !unicode.IsUpper(r) {
				return false
			}
			letters++
		}
	}
	return letters > 4
}

func upperFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// truncate cuts s to at most max runes on a word boundary where possible.
func truncate(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	cut := string(r[:max])
	if i := strings.LastIndex(cut, " "); i > max/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,;:-")
}

func (c *Conventions) tasksFor(course, module, lesson string) []ingestion.AlignedTask {
	rep := strings.NewReplacer("{course}", course, "{module}", module, "{lesson}", lesson)
	out := make([]ingestion.AlignedTask, 0, len(c.Tasks))
	for _, t := range c.Tasks {
		out = append(out, ingestion.AlignedTask{
			Type:           t.Type,
			Title:          truncate(rep.Replace(t.Title), 200),
			EvidencePrompt: rep.Replace(t.EvidencePrompt),
		})
	}
	return out
}
