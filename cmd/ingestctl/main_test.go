package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/review"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/authtoken"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func sqliteEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("JWT_SECRET", "ctl-test")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(dir, "ctl.db"))
	t.Setenv("OBJECT_STORAGE_MODE", "local")
	t.Setenv("LOCAL_STORAGE_DIR", filepath.Join(dir, "uploads"))
	t.Setenv("INGEST_DISPATCH_MODE", "pool")
	t.Setenv("LOG_LEVEL", "error")
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "ingestctl dev") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestRootHelpListsCommands(t *testing.T) {
	out, err := runCmd(t, "--help")
	if err != nil {
		t.Fatalf("help: %v", err)
	}
	for _, name := range []string{"migrate", "status", "list-resumable", "resume", "cancel", "review", "worker", "token"} {
		if !strings.Contains(out, name) {
			t.Errorf("help output missing %q", name)
		}
	}
}

func TestTokenCmdIssuesVerifiableToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "ctl-test")
	t.Setenv("JWT_ISSUER", "")
	user := uuid.New()
	out, err := runCmd(t, "token", "--user", user.String(), "--role", authtoken.RoleReviewer)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	v, _ := authtoken.NewVerifier("ctl-test", "")
	rd, err := v.Verify(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rd.UserID != user {
		t.Fatalf("subject: want %s got %s", user, rd.UserID)
	}
}

func TestTokenCmdRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := runCmd(t, "token"); err == nil {
		t.Fatalf("expected error without JWT_SECRET")
	}
}

func TestMigrateThenStatusOnSQLite(t *testing.T) {
	sqliteEnv(t)
	if out, err := runCmd(t, "migrate"); err != nil {
		t.Fatalf("migrate: %v (%s)", err, out)
	}
	out, err := runCmd(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "pending") || !strings.Contains(out, "ready_for_review") {
		t.Fatalf("status output missing statuses: %s", out)
	}
	out, err = runCmd(t, "list-resumable", "--uploader", uuid.NewString())
	if err != nil {
		t.Fatalf("list-resumable: %v", err)
	}
	if !strings.Contains(out, "no resumable sessions") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestStatusUnknownSession(t *testing.T) {
	sqliteEnv(t)
	if _, err := runCmd(t, "migrate"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := runCmd(t, "status", uuid.NewString()); err == nil {
		t.Fatalf("expected not found error")
	}
}

func TestSessionCommandsRejectBadIDs(t *testing.T) {
	for _, args := range [][]string{
		{"resume", "nope"},
		{"cancel", "nope"},
		{"review", "nope", "--decision", "approve"},
	} {
		_, err := runCmd(t, args...)
		if err == nil || !strings.Contains(err.Error(), "invalid session id") {
			t.Errorf("%v: want invalid session id, got %v", args, err)
		}
	}
}

func TestReadEdits(t *testing.T) {
	dir := t.TempDir()
	structurePath := filepath.Join(dir, "structure.json")
	if err := os.WriteFile(structurePath, []byte(`{"title":"Rocks","modules":[{"title":"Layers","lessons":[{"title":"Strata","body":"Layers stack."}]}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	sub := review.Submission{Gate: review.GateStructure}
	if err := readEdits(structurePath, &sub); err != nil {
		t.Fatalf("readEdits: %v", err)
	}
	if sub.StructureEdits == nil || len(sub.StructureEdits.Modules) != 1 {
		t.Fatalf("structure edits not decoded: %+v", sub.StructureEdits)
	}

	badPath := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(badPath, []byte(`{`), 0o644); err != nil {
		t.Fatal(err)
	}
	sub = review.Submission{Gate: review.GateFinal}
	if err := readEdits(badPath, &sub); !errors.Is(err, ingestion.ErrInvalidEdits) {
		t.Fatalf("want ErrInvalidEdits, got %v", err)
	}
}
