package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/app"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/data/db"
	repos "github.com/shortbird/pathweaver-2.0-sub015/internal/data/repos/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/progress"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/pkg/dbctx"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

type store struct {
	log  *logger.Logger
	db   *gorm.DB
	repo repos.UploadSessionRepo
}

func (s *store) Close() {
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	s.log.Sync()
}

func dbc(cmd *cobra.Command) dbctx.Context { return dbctx.Context{Ctx: cmd.Context()} }

// connect opens the database only; commands that do not run stages use it.
func connect() (*store, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, err
	}
	gdb, err := app.OpenDB(log, cfg)
	if err != nil {
		return nil, err
	}
	return &store{log: log, db: gdb, repo: repos.NewUploadSessionRepo(gdb, log)}, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the session and quest tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := connect()
			if err != nil {
				return err
			}
			defer s.Close()
			if err := db.AutoMigrateAll(s.db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [session-id]",
		Short: "Show one session's progress, or session counts by status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := connect()
			if err != nil {
				return err
			}
			defer s.Close()
			if len(args) == 0 {
				counts, err := s.repo.CountByStatus(dbc(cmd))
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, st := range []ingestion.Status{
					ingestion.StatusPending, ingestion.StatusProcessing, ingestion.StatusReadyForReview,
					ingestion.StatusApproved, ingestion.StatusRejected, ingestion.StatusError,
				} {
					fmt.Fprintf(out, "%-18s %d\n", st, counts[st])
				}
				return nil
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid session id %q", args[0])
			}
			sess, err := s.repo.Get(dbc(cmd), id)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), progress.Project(sess))
		},
	}
}

func newListResumableCmd() *cobra.Command {
	var (
		uploader string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list-resumable",
		Short: "List an uploader's failed sessions that can be resumed",
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := uuid.Parse(uploader)
			if err != nil {
				return fmt.Errorf("--uploader must be a uuid")
			}
			s, err := connect()
			if err != nil {
				return err
			}
			defer s.Close()
			list, err := s.repo.ListResumable(dbc(cmd), uid, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "no resumable sessions")
				return nil
			}
			for _, sess := range list {
				fmt.Fprintf(out, "%s  %-24s stage=%d  %s\n", sess.ID, sess.Filename, sess.ResumeFromStage, sess.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&uploader, "uploader", "", "uploader user id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list")
	_ = cmd.MarkFlagRequired("uploader")
	return cmd
}
