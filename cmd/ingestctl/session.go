package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/app"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/progress"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/review"
)

// newApp builds the wired app without starting workers. Overridden in tests.
var newApp = app.New

func parseSessionID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session id %q", arg)
	}
	return id, nil
}

func newResumeCmd() *cobra.Command {
	var fromStage int
	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Re-run a failed session from a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if fromStage == 0 {
				s, err := a.Repos.UploadSession.Get(dbc(cmd), id)
				if err != nil {
					return err
				}
				fromStage = s.ResumeFromStage
			}
			s, err := a.Services.Orchestrator.Resume(cmd.Context(), id, fromStage)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), progress.Project(s))
		},
	}
	cmd.Flags().IntVar(&fromStage, "from-stage", 0, "stage to restart from (1-4); defaults to the session's resume point")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Reject a session that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			s, err := a.Services.Orchestrator.Cancel(cmd.Context(), id)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), progress.Project(s))
		},
	}
}

func newReviewCmd() *cobra.Command {
	var (
		gate      string
		decision  string
		editsPath string
		reviewer  string
	)
	cmd := &cobra.Command{
		Use:   "review <session-id>",
		Short: "Submit a structure or final review decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			sub := review.Submission{SessionID: id, Gate: review.Gate(gate), Decision: review.Decision(decision)}
			if reviewer != "" {
				if sub.ReviewerID, err = uuid.Parse(reviewer); err != nil {
					return fmt.Errorf("--reviewer must be a uuid")
				}
			}
			if editsPath != "" {
				if err := readEdits(editsPath, &sub); err != nil {
					return err
				}
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			s, err := a.Services.Review.Submit(cmd.Context(), sub)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), progress.Project(s))
		},
	}
	cmd.Flags().StringVar(&gate, "gate", string(review.GateStructure), "review gate: structure or final")
	cmd.Flags().StringVar(&decision, "decision", "", "continue, approve or reject")
	cmd.Flags().StringVar(&editsPath, "edits", "", "path to a JSON edits document")
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer user id")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func readEdits(path string, sub *review.Submission) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := func(v any) error {
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("%w: %v", ingestion.ErrInvalidEdits, err)
		}
		return nil
	}
	switch sub.Gate {
	case review.GateStructure:
		var e ingestion.StructureEdits
		if err := dec(&e); err != nil {
			return err
		}
		sub.StructureEdits = &e
	case review.GateFinal:
		var e ingestion.PreviewEdits
		if err := dec(&e); err != nil {
			return err
		}
		sub.PreviewEdits = &e
	default:
		return fmt.Errorf("unknown gate %q", sub.Gate)
	}
	return nil
}
