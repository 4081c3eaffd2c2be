package intake

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	repos "github.com/shortbird/pathweaver-2.0-sub015/internal/data/repos/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/data/repos/testutil"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/blob"
)

type recordingDispatcher struct {
	ids []uuid.UUID
	err error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, id uuid.UUID) error {
	d.ids = append(d.ids, id)
	return d.err
}

func newService(t *testing.T, max int64, d *recordingDispatcher) (*Service, *blob.Local) {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	store, err := blob.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return New(log, repos.NewUploadSessionRepo(db, log), store, d, max), store
}

func TestCreateStoresBlobAndDispatches(t *testing.T) {
	d := &recordingDispatcher{}
	svc, store := newService(t, 1024, d)
	ctx := context.Background()
	sess, err := svc.Create(ctx, Request{
		Filename:   "../notes/Week 1.txt",
		Body:       strings.NewReader("Hello world."),
		UploaderID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Phase != ingestion.PhasePending || sess.SourceType != ingestion.SourceText {
		t.Fatalf("session=%+v", sess)
	}
	if sess.Filename != "Week 1.txt" || sess.SizeBytes != int64(len("Hello world.")) {
		t.Fatalf("filename=%q size=%d", sess.Filename, sess.SizeBytes)
	}
	data, err := blob.ReadAll(ctx, store, sess.StorageKey, 1024)
	if err != nil || string(data) != "Hello world." {
		t.Fatalf("blob=%q err=%v", data, err)
	}
	if len(d.ids) != 1 || d.ids[0] != sess.ID {
		t.Fatalf("dispatched=%v", d.ids)
	}
}

func TestCreateKeepsSessionWhenDispatchFails(t *testing.T) {
	d := &recordingDispatcher{err: errors.New("queue down")}
	svc, _ := newService(t, 1024, d)
	sess, err := svc.Create(context.Background(), Request{
		SourceType: ingestion.SourceText,
		Filename:   "a.txt",
		Body:       strings.NewReader("x"),
		UploaderID: uuid.New(),
	})
	if err != nil || sess == nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestCreateRejects(t *testing.T) {
	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"too large", Request{SourceType: ingestion.SourceText, Filename: "a.txt", Body: strings.NewReader(strings.Repeat("x", 11))}, ErrFileTooLarge},
		{"empty", Request{SourceType: ingestion.SourceText, Filename: "a.txt", Body: strings.NewReader("")}, ErrEmptyFile},
		{"unknown type", Request{Filename: "a.exe", Body: strings.NewReader("x")}, ErrInvalidSourceType},
		{"bad declared type", Request{SourceType: "video", Filename: "a.txt", Body: strings.NewReader("x")}, ErrInvalidSourceType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := &recordingDispatcher{}
			svc, _ := newService(t, 10, d)
			tc.req.UploaderID = uuid.New()
			_, err := svc.Create(context.Background(), tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want %v", err, tc.want)
			}
			if len(d.ids) != 0 {
				t.Fatalf("dispatched a rejected upload")
			}
		})
	}
}

func TestSourceTypeFor(t *testing.T) {
	cases := map[string]ingestion.SourceType{
		"a.PDF":        ingestion.SourcePDF,
		"b.docx":       ingestion.SourceDOCX,
		"course.imscc": ingestion.SourcePackagedCourse,
		"notes.md":     ingestion.SourceText,
		"clip.mp4":     "",
	}
	for name, want := range cases {
		if got := SourceTypeFor(name); got != want {
			t.Fatalf("%s: got %q want %q", name, got, want)
		}
	}
}
