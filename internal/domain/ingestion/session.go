package ingestion

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type SourceType string

const (
	SourcePackagedCourse SourceType = "packaged_course_export"
	SourcePDF            SourceType = "pdf"
	SourceDOCX           SourceType = "docx"
	SourceText           SourceType = "text"
)

func (s SourceType) Valid() bool {
	switch s {
	case SourcePackagedCourse, SourcePDF, SourceDOCX, SourceText:
		return true
	default:
		return false
	}
}

// Status is the externally visible lifecycle of a session.
type Status string

const (
	StatusPending        Status = "pending"
	StatusProcessing     Status = "processing"
	StatusReadyForReview Status = "ready_for_review"
	StatusApproved       Status = "approved"
	StatusRejected       Status = "rejected"
	StatusError          Status = "error"
)

// Phase is the orchestrator state. Several phases share one Status.
type Phase string

const (
	PhasePending               Phase = "pending"
	PhaseRunningStage1         Phase = "running_stage_1"
	PhaseRunningStage2         Phase = "running_stage_2"
	PhasePausedStructureReview Phase = "paused_structure_review"
	PhaseRunningStage3         Phase = "running_stage_3"
	PhaseRunningStage4         Phase = "running_stage_4"
	PhasePausedFinalReview     Phase = "paused_final_review"
	PhaseApproved              Phase = "approved"
	PhaseRejected              Phase = "rejected"
	PhaseError                 Phase = "error"
)

// Status maps the phase to its public status.
func (p Phase) Status() Status {
	switch p {
	case PhasePending:
		return StatusPending
	case PhasePausedFinalReview:
		return StatusReadyForReview
	case PhaseApproved:
		return StatusApproved
	case PhaseRejected:
		return StatusRejected
	case PhaseError:
		return StatusError
	default:
		return StatusProcessing
	}
}

func (p Phase) Terminal() bool { return p == PhaseApproved || p == PhaseRejected }

func (p Phase) Paused() bool {
	return p == PhasePausedStructureReview || p == PhasePausedFinalReview
}

// RunningStage returns the stage executing in this phase, if any.
func (p Phase) RunningStage() (Stage, bool) {
	switch p {
	case PhaseRunningStage1:
		return StageParse, true
	case PhaseRunningStage2:
		return StageStructure, true
	case PhaseRunningStage3:
		return StageAlign, true
	case PhaseRunningStage4:
		return StageGenerate, true
	default:
		return 0, false
	}
}

// RunnablePhases are the phases a worker may claim.
var RunnablePhases = []Phase{PhasePending, PhaseRunningStage1, PhaseRunningStage2, PhaseRunningStage3, PhaseRunningStage4}

type Stage int

const (
	StageParse     Stage = 1
	StageStructure Stage = 2
	StageAlign     Stage = 3
	StageGenerate  Stage = 4
)

var AllStages = []Stage{StageParse, StageStructure, StageAlign, StageGenerate}

func (s Stage) Valid() bool { return s >= StageParse && s <= StageGenerate }

func (s Stage) String() string {
	switch s {
	case StageParse:
		return "parse"
	case StageStructure:
		return "structure"
	case StageAlign:
		return "align"
	case StageGenerate:
		return "generate"
	default:
		return "unknown"
	}
}

func (s Stage) RunningPhase() Phase {
	switch s {
	case StageParse:
		return PhaseRunningStage1
	case StageStructure:
		return PhaseRunningStage2
	case StageAlign:
		return PhaseRunningStage3
	default:
		return PhaseRunningStage4
	}
}

// UploadSession is one attempt to ingest a single uploaded document.
type UploadSession struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	SourceType SourceType `gorm:"column:source_type;not null" json:"source_type"`
	Filename   string     `gorm:"column:filename;not null" json:"filename"`
	SizeBytes  int64      `gorm:"column:size_bytes;not null" json:"size_bytes"`
	StorageKey string     `gorm:"column:storage_key;not null" json:"-"`

	Status Status `gorm:"column:status;not null;index" json:"status"`
	Phase  Phase  `gorm:"column:phase;not null;index" json:"phase"`

	RawContent        datatypes.JSON `gorm:"column:raw_content" json:"raw_content,omitempty"`
	StructuredContent datatypes.JSON `gorm:"column:structured_content" json:"structured_content,omitempty"`
	AlignedContent    datatypes.JSON `gorm:"column:aligned_content" json:"aligned_content,omitempty"`
	GeneratedContent  datatypes.JSON `gorm:"column:generated_content" json:"generated_content,omitempty"`

	HumanStructureEdits datatypes.JSON `gorm:"column:human_structure_edits" json:"human_structure_edits,omitempty"`
	HumanEdits          datatypes.JSON `gorm:"column:human_edits" json:"human_edits,omitempty"`

	CurrentStage    int        `gorm:"column:current_stage;not null;default:0" json:"current_stage"`
	ParsedAt        *time.Time `gorm:"column:parsed_at" json:"parsed_at,omitempty"`
	StructuredAt    *time.Time `gorm:"column:structured_at" json:"structured_at,omitempty"`
	AlignedAt       *time.Time `gorm:"column:aligned_at" json:"aligned_at,omitempty"`
	GeneratedAt     *time.Time `gorm:"column:generated_at" json:"generated_at,omitempty"`
	CanResume       bool       `gorm:"column:can_resume;not null;default:false;index" json:"can_resume"`
	ResumeFromStage int        `gorm:"column:resume_from_stage;not null;default:0" json:"resume_from_stage"`

	ProgressPercent  int            `gorm:"column:progress_percent;not null;default:0" json:"progress_percent"`
	CurrentStageName string         `gorm:"column:current_stage_name" json:"current_stage_name"`
	CurrentItem      string         `gorm:"column:current_item" json:"current_item"`
	StageProgress    datatypes.JSON `gorm:"column:stage_progress" json:"stage_progress,omitempty"`

	CreatedQuestID *uuid.UUID `gorm:"type:uuid;column:created_quest_id" json:"created_quest_id"`

	UploaderID           uuid.UUID  `gorm:"type:uuid;column:uploader_id;not null;index" json:"uploader_id"`
	TenantID             *uuid.UUID `gorm:"type:uuid;column:tenant_id;index" json:"tenant_id,omitempty"`
	ReviewedAt           *time.Time `gorm:"column:reviewed_at" json:"reviewed_at,omitempty"`
	ReviewerID           *uuid.UUID `gorm:"type:uuid;column:reviewer_id" json:"reviewer_id,omitempty"`
	ProcessingStartedAt  *time.Time `gorm:"column:processing_started_at" json:"processing_started_at,omitempty"`
	ProcessingDurationMS int64      `gorm:"column:processing_duration_ms;not null;default:0" json:"processing_duration_ms"`
	CapabilityCalls      int        `gorm:"column:capability_calls;not null;default:0" json:"capability_calls"`

	ErrorMessage string `gorm:"column:error_message" json:"error_message,omitempty"`
	ErrorKind    string `gorm:"column:error_kind" json:"error_kind,omitempty"`

	ClaimToken  *uuid.UUID `gorm:"type:uuid;column:claim_token" json:"-"`
	HeartbeatAt *time.Time `gorm:"column:heartbeat_at;index" json:"-"`

	CreatedAt time.Time `gorm:"column:created_at;not null;index" json:"uploaded_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;index" json:"updated_at"`
}

func (UploadSession) TableName() string { return "upload_session" }

func (s *UploadSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// OutputColumn is the column holding the given stage's output.
func OutputColumn(stage Stage) string {
	switch stage {
	case StageParse:
		return "raw_content"
	case StageStructure:
		return "structured_content"
	case StageAlign:
		return "aligned_content"
	default:
		return "generated_content"
	}
}

// CompletedAtColumn is the column holding the given stage's completion time.
func CompletedAtColumn(stage Stage) string {
	switch stage {
	case StageParse:
		return "parsed_at"
	case StageStructure:
		return "structured_at"
	case StageAlign:
		return "aligned_at"
	default:
		return "generated_at"
	}
}

func (s *UploadSession) outputJSON(stage Stage) datatypes.JSON {
	switch stage {
	case StageParse:
		return s.RawContent
	case StageStructure:
		return s.StructuredContent
	case StageAlign:
		return s.AlignedContent
	case StageGenerate:
		return s.GeneratedContent
	default:
		return nil
	}
}

func (s *UploadSession) HasOutput(stage Stage) bool {
	return len(s.outputJSON(stage)) > 0
}

// Output decodes the persisted output of stage into its variant.
func (s *UploadSession) Output(stage Stage) (StageOutput, error) {
	return DecodeOutput(stage, s.outputJSON(stage))
}

func (s *UploadSession) Raw() (*RawContent, error) {
	out, err := s.Output(StageParse)
	if err != nil {
		return nil, err
	}
	return out.(*RawContent), nil
}

func (s *UploadSession) Structured() (*StructuredContent, error) {
	out, err := s.Output(StageStructure)
	if err != nil {
		return nil, err
	}
	return out.(*StructuredContent), nil
}

func (s *UploadSession) Aligned() (*AlignedContent, error) {
	out, err := s.Output(StageAlign)
	if err != nil {
		return nil, err
	}
	return out.(*AlignedContent), nil
}

func (s *UploadSession) Generated() (*GeneratedContent, error) {
	out, err := s.Output(StageGenerate)
	if err != nil {
		return nil, err
	}
	return out.(*GeneratedContent), nil
}

// StructureEdits returns nil when the reviewer submitted none.
func (s *UploadSession) StructureEdits() (*StructureEdits, error) {
	if len(s.HumanStructureEdits) == 0 {
		return nil, nil
	}
	var edits StructureEdits
	if err := decodeStrict(s.HumanStructureEdits, &edits); err != nil {
		return nil, err
	}
	return &edits, nil
}

// PreviewEdits returns nil when the reviewer submitted none.
func (s *UploadSession) PreviewEdits() (*PreviewEdits, error) {
	if len(s.HumanEdits) == 0 {
		return nil, nil
	}
	var edits PreviewEdits
	if err := decodeStrict(s.HumanEdits, &edits); err != nil {
		return nil, err
	}
	return &edits, nil
}

// StageProgress is the per-stage detail blob reported while a stage runs.
type StageProgress struct {
	Stage     string         `json:"stage"`
	Completed int            `json:"completed"`
	Total     int            `json:"total"`
	Item      string         `json:"item,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}
