package commit

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"webp-migrator/internal/database"
	"webp-migrator/internal/filesystem"
	"webp-migrator/internal/ledger"
	"webp-migrator/internal/media"
	"webp-migrator/internal/mediatypes"
	"webp-migrator/internal/pipeline"
	"webp-migrator/internal/rewrite"
	"webp-migrator/internal/settings"
	"webp-migrator/internal/state"
	"webp-migrator/internal/urlmap"
)

const uploadsURL = "https://site/wp-content/uploads"

type pngEncoder struct{}

func (pngEncoder) Encode(_ context.Context, src, dst string, _ mediatypes.Format, _ media.EncodeOptions) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}
	return os.WriteFile(dst, buf.Bytes(), 0o644)
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	db       *database.Database
	uploads  string
	pipeline *pipeline.Pipeline
	manager  *Manager
	ledger   *ledger.ErrorLedger
	postID   int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	uploads := t.TempDir()
	db, err := database.New(context.Background(), database.Config{
		Backend: database.BackendSQLite,
		Path:    filepath.Join(t.TempDir(), "host.db"),
	})
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	rw := rewrite.New(db)
	errs := ledger.NewErrorLedger(uploads)
	return &fixture{
		t:       t,
		ctx:     context.Background(),
		db:      db,
		uploads: uploads,
		pipeline: pipeline.New(pipeline.Dependencies{
			Store:      db,
			Meta:       db,
			Encoder:    pngEncoder{},
			Rewriter:   rw,
			Ledger:     errs,
			UploadsDir: uploads,
			UploadsURL: uploadsURL,
		}),
		manager: NewManager(db, db, rw, errs, uploads),
		ledger:  errs,
	}
}

func (f *fixture) path(rel string) string {
	return filepath.Join(f.uploads, filepath.FromSlash(rel))
}

func (f *fixture) writeJPEG(rel string, w, h int) []byte {
	f.t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		f.t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path(rel)), 0o755); err != nil {
		f.t.Fatal(err)
	}
	if err := os.WriteFile(f.path(rel), buf.Bytes(), 0o644); err != nil {
		f.t.Fatal(err)
	}
	return buf.Bytes()
}

// relinked converts attachment id (hero.jpg plus one thumbnail) and
// returns the original bytes of the main file.
func (f *fixture) relinked(id int64) []byte {
	f.t.Helper()
	original := f.writeJPEG("2025/08/hero.jpg", 64, 36)
	f.writeJPEG("2025/08/hero-30x17.jpg", 30, 17)

	meta, _ := database.ParseAttachmentMetadata("")
	meta.Width, meta.Height, meta.File = 64, 36, "2025/08/hero.jpg"
	meta.Sizes = []database.SizeInfo{{Name: "medium", File: "hero-30x17.jpg", Width: 30, Height: 17, MimeType: "image/jpeg"}}
	if _, err := f.db.CreateAttachment(f.ctx, &database.Attachment{
		ID:           id,
		MimeType:     "image/jpeg",
		RelativePath: "2025/08/hero.jpg",
		Title:        "hero",
		GUID:         uploadsURL + "/2025/08/hero.jpg",
		Metadata:     meta,
	}); err != nil {
		f.t.Fatal(err)
	}
	postID, err := f.db.CreatePost(f.ctx, "P", "<img src='"+uploadsURL+"/2025/08/hero.jpg'>")
	if err != nil {
		f.t.Fatal(err)
	}
	f.postID = postID

	res, err := f.pipeline.Process(f.ctx, id, pipeline.Options{Settings: settings.Default(), BackupStamp: "20250801-120000"})
	if err != nil || res.Status != state.StatusRelinked {
		f.t.Fatalf("Process = %+v, %v", res, err)
	}
	return original
}

func (f *fixture) status(id int64) state.Status {
	f.t.Helper()
	s, err := state.NewTracker(f.db).Status(f.ctx, id)
	if err != nil {
		f.t.Fatal(err)
	}
	return s
}

func TestCommit(t *testing.T) {
	f := newFixture(t)
	f.relinked(42)
	backup := pipeline.BackupDir(f.uploads, "20250801-120000", 42)

	ok, err := f.manager.Commit(f.ctx, 42)
	if err != nil || !ok {
		t.Fatalf("Commit = %v, %v", ok, err)
	}
	if _, err := os.Stat(backup); !os.IsNotExist(err) {
		t.Errorf("backup directory still exists: %v", err)
	}
	if s := f.status(42); s != state.StatusCommitted {
		t.Errorf("status = %q", s)
	}
	for _, key := range state.PluginKeys {
		if _, found, _ := f.db.GetPostMeta(f.ctx, 42, key); found {
			t.Errorf("%s survived commit", key)
		}
	}
	if !filesystem.Exists(f.path("2025/08/hero.webp")) {
		t.Error("converted file removed by commit")
	}

	again, err := f.manager.Commit(f.ctx, 42)
	if err != nil || again {
		t.Errorf("second Commit = %v, %v; want false, nil", again, err)
	}
}

// warn records a non-fatal step problem for id, as a resize that had to
// be undone would.
func (f *fixture) warn(id int64) {
	f.t.Helper()
	if _, _, err := f.ledger.Log(f.ctx, ledger.Failure{
		AttachmentID: id,
		Filename:     "2025/08/hero.webp",
		Step:         state.StepBoundingBoxResize,
		Message:      "dimensions off by 3px",
	}); err != nil {
		f.t.Fatal(err)
	}
}

func TestCommitAndRollbackDropLedgerEntries(t *testing.T) {
	for _, op := range []string{"commit", "rollback"} {
		t.Run(op, func(t *testing.T) {
			f := newFixture(t)
			f.relinked(42)
			f.warn(42)

			var err error
			if op == "commit" {
				_, err = f.manager.Commit(f.ctx, 42)
			} else {
				err = f.manager.Rollback(f.ctx, 42)
			}
			if err != nil {
				t.Fatalf("%s: %v", op, err)
			}
			if _, ok, _ := f.ledger.Get(f.ctx, 42); ok {
				t.Errorf("ledger entry survived %s", op)
			}
		})
	}
}

func TestLookupRelAtUploadsRoot(t *testing.T) {
	m, err := urlmap.Build(urlmap.Input{
		BaseDir:  "/var/www/uploads",
		BaseURL:  uploadsURL,
		OldFile:  "hero.jpg",
		NewFile:  "hero.webp",
		OldSizes: []urlmap.Size{{Name: "medium", File: "hero-30x17.jpg"}},
		NewSizes: []urlmap.Size{{Name: "medium", File: "hero-30x17.webp"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	mgr := &Manager{uploadsDir: "/var/www/uploads/"}
	inverse := m.Inverse()

	tests := []struct {
		rel  string
		want string
		ok   bool
	}{
		{"hero.webp", "hero.jpg", true},
		{"hero-30x17.webp", "hero-30x17.jpg", true},
		{"other.webp", "", false},
	}
	for _, tt := range tests {
		got, ok := mgr.lookupRel(inverse, tt.rel)
		if got != tt.want || ok != tt.ok {
			t.Errorf("lookupRel(%q) = %q, %v; want %q, %v", tt.rel, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCommitRequiresRelinked(t *testing.T) {
	f := newFixture(t)
	if _, err := f.db.CreateAttachment(f.ctx, &database.Attachment{ID: 9, MimeType: "image/png", RelativePath: "x.png"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.manager.Commit(f.ctx, 9); !errors.Is(err, ErrNotRelinked) {
		t.Errorf("Commit = %v, want ErrNotRelinked", err)
	}
	if err := f.manager.Rollback(f.ctx, 9); !errors.Is(err, ErrNotRelinked) {
		t.Errorf("Rollback = %v, want ErrNotRelinked", err)
	}
}

func TestRollback(t *testing.T) {
	f := newFixture(t)
	original := f.relinked(42)

	content, _ := f.db.GetPostContent(f.ctx, f.postID)
	if content != "<img src='"+uploadsURL+"/2025/08/hero.webp'>" {
		t.Fatalf("precondition: post = %q", content)
	}

	if err := f.manager.Rollback(f.ctx, 42); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	got, err := os.ReadFile(f.path("2025/08/hero.jpg"))
	if err != nil || !bytes.Equal(got, original) {
		t.Errorf("hero.jpg not restored byte-identical: %v", err)
	}
	if !filesystem.Exists(f.path("2025/08/hero-30x17.jpg")) {
		t.Error("thumbnail not restored")
	}
	for _, rel := range []string{"2025/08/hero.webp", "2025/08/hero-30x17.webp"} {
		if filesystem.Exists(f.path(rel)) {
			t.Errorf("%s not deleted", rel)
		}
	}
	content, _ = f.db.GetPostContent(f.ctx, f.postID)
	if content != "<img src='"+uploadsURL+"/2025/08/hero.jpg'>" {
		t.Errorf("post = %q", content)
	}
	att, err := f.db.GetAttachment(f.ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if att.RelativePath != "2025/08/hero.jpg" || att.MimeType != "image/jpeg" || att.GUID != uploadsURL+"/2025/08/hero.jpg" {
		t.Errorf("record = %+v", att)
	}
	if s, ok := att.Metadata.Size("medium"); !ok || s.File != "hero-30x17.jpg" {
		t.Errorf("medium size = %+v", s)
	}
	if s := f.status(42); s != state.StatusNone {
		t.Errorf("status = %q", s)
	}
	if !filesystem.Exists(filepath.Join(pipeline.BackupDir(f.uploads, "20250801-120000", 42), "hero.jpg")) {
		t.Error("backup removed by rollback")
	}
}

func TestRollbackRegeneratesRecordWithoutOriginal(t *testing.T) {
	f := newFixture(t)
	f.relinked(42)

	tracker := state.NewTracker(f.db)
	report, err := tracker.Report(f.ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	report.Original = nil
	report.Files = nil
	if err := tracker.SaveReport(f.ctx, 42, report); err != nil {
		t.Fatal(err)
	}

	if err := f.manager.Rollback(f.ctx, 42); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	att, _ := f.db.GetAttachment(f.ctx, 42)
	if att.RelativePath != "2025/08/hero.jpg" || att.MimeType != "image/jpeg" {
		t.Errorf("record = %s (%s)", att.RelativePath, att.MimeType)
	}
	if att.Metadata.File != "2025/08/hero.jpg" || att.Metadata.Width != 64 {
		t.Errorf("metadata = %+v", att.Metadata)
	}
	if s, ok := att.Metadata.Size("medium"); !ok || s.File != "hero-30x17.jpg" || s.MimeType != "image/jpeg" {
		t.Errorf("medium size = %+v", s)
	}
	if filesystem.Exists(f.path("2025/08/hero.webp")) {
		t.Error("converted file not deleted")
	}
}

func TestRollbackNeedsBackup(t *testing.T) {
	f := newFixture(t)
	f.relinked(42)
	if err := os.RemoveAll(pipeline.BackupDir(f.uploads, "20250801-120000", 42)); err != nil {
		t.Fatal(err)
	}
	if err := f.manager.Rollback(f.ctx, 42); !errors.Is(err, ErrNoBackup) {
		t.Errorf("Rollback = %v, want ErrNoBackup", err)
	}
	if s := f.status(42); s != state.StatusRelinked {
		t.Errorf("status changed to %q", s)
	}
}

func TestRollbackNeedsReport(t *testing.T) {
	f := newFixture(t)
	f.relinked(42)
	if err := f.db.DeletePostMeta(f.ctx, 42, state.KeyReport); err != nil {
		t.Fatal(err)
	}
	if err := f.manager.Rollback(f.ctx, 42); !errors.Is(err, ErrInvalidReport) {
		t.Errorf("Rollback = %v, want ErrInvalidReport", err)
	}
}

func TestListRelinkedAndCommitAll(t *testing.T) {
	f := newFixture(t)
	f.relinked(42)

	items, err := f.manager.ListRelinked(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != 42 || items[0].MapSize < 2 || items[0].BackupDir == "" {
		t.Fatalf("ListRelinked = %+v", items)
	}
	if items[0].RelativePath != "2025/08/hero.webp" || items[0].ConvertedAt.IsZero() {
		t.Errorf("item = %+v", items[0])
	}

	sum, err := f.manager.CommitAll(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Committed != 1 || sum.Failed != 0 {
		t.Errorf("CommitAll = %+v", sum)
	}
	if items, _ := f.manager.ListRelinked(f.ctx); len(items) != 0 {
		t.Errorf("still relinked: %+v", items)
	}
}

func TestCommitRefusesForeignBackupPath(t *testing.T) {
	f := newFixture(t)
	f.relinked(42)
	outside := t.TempDir()
	if err := state.NewTracker(f.db).SetBackupDir(f.ctx, 42, outside); err != nil {
		t.Fatal(err)
	}
	if _, err := f.manager.Commit(f.ctx, 42); err == nil {
		t.Fatal("Commit removed a directory outside the backup root")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Errorf("outside directory touched: %v", err)
	}
}

func TestCommitBusy(t *testing.T) {
	f := newFixture(t)
	f.relinked(42)
	l, err := filesystem.Acquire(filesystem.AttachmentLockPath(f.uploads, 42))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Release()
	if _, err := f.manager.Commit(f.ctx, 42); !errors.Is(err, pipeline.ErrBusy) {
		t.Errorf("Commit = %v, want ErrBusy", err)
	}
}
