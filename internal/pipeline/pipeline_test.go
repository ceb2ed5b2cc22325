package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"webp-migrator/internal/database"
	"webp-migrator/internal/filesystem"
	"webp-migrator/internal/ledger"
	"webp-migrator/internal/media"
	"webp-migrator/internal/mediatypes"
	"webp-migrator/internal/rewrite"
	"webp-migrator/internal/settings"
	"webp-migrator/internal/state"
	"webp-migrator/internal/urlmap"
)

const (
	testStamp = "20250801-120000"
	uploadsURL = "https://site/wp-content/uploads"
)

// pngEncoder stands in for a real codec: it decodes src and writes it as
// PNG, which dimension probes read regardless of the file extension.
type pngEncoder struct {
	calls int
}

func (e *pngEncoder) Encode(_ context.Context, src, dst string, _ mediatypes.Format, _ media.EncodeOptions) error {
	e.calls++
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return &media.CodecError{Kind: media.KindDecodeFailed, Format: mediatypes.FormatWebP, Backend: "test", Err: err}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}
	return os.WriteFile(dst, buf.Bytes(), 0o644)
}

// blankResizer writes a blank image of the requested size.
type blankResizer struct {
	err error
}

func (r blankResizer) ResizeInPlace(_ context.Context, path string, w, h int) error {
	if r.err != nil {
		return r.err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// failingRewriter applies the first map and then reports a failure, as a
// surface breaking halfway through would.
type failingRewriter struct {
	inner *rewrite.Rewriter
	calls int
}

func (f *failingRewriter) Apply(ctx context.Context, m *urlmap.Map, scope rewrite.Scope) (state.Manifest, error) {
	f.calls++
	manifest, err := f.inner.Apply(ctx, m, scope)
	if f.calls == 1 && err == nil {
		return manifest, &rewrite.SurfaceError{Surface: rewrite.SurfaceOptions, Err: errors.New("disk full")}
	}
	return manifest, err
}

// reportFailingMeta stores every key except the migration report.
type reportFailingMeta struct {
	*database.Database
}

func (m reportFailingMeta) SetPostMeta(ctx context.Context, postID int64, key, value string) error {
	if key == state.KeyReport {
		return errors.New("disk full")
	}
	return m.Database.SetPostMeta(ctx, postID, key, value)
}

type env struct {
	t       *testing.T
	ctx     context.Context
	db      *database.Database
	uploads string
	ledger  *ledger.ErrorLedger
	encoder *pngEncoder
	deps    Dependencies
}

func newEnv(t *testing.T) *env {
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

	e := &env{
		t:       t,
		ctx:     context.Background(),
		db:      db,
		uploads: uploads,
		ledger:  ledger.NewErrorLedger(uploads),
		encoder: &pngEncoder{},
	}
	e.deps = Dependencies{
		Store:      db,
		Meta:       db,
		Encoder:    e.encoder,
		Rewriter:   rewrite.New(db),
		Ledger:     e.ledger,
		Dimensions: ledger.NewDimensionLog(uploads),
		ResizeLog:  ledger.NewResizeDebugLog(uploads),
		NewResizer: func(media.EncodeOptions) Resizer { return blankResizer{} },
		UploadsDir: uploads,
		UploadsURL: uploadsURL,
	}
	return e
}

func (e *env) pipeline() *Pipeline {
	return New(e.deps)
}

func (e *env) path(rel string) string {
	return filepath.Join(e.uploads, filepath.FromSlash(rel))
}

func (e *env) writeImage(rel string, w, h int, format string) {
	e.t.Helper()
	p := e.path(rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		e.t.Fatal(err)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	var err error
	switch format {
	case "jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	case "png":
		err = png.Encode(&buf, img)
	case "gif":
		err = gif.Encode(&buf, img, nil)
	default:
		e.t.Fatalf("unsupported format %s", format)
	}
	if err != nil {
		e.t.Fatal(err)
	}
	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		e.t.Fatal(err)
	}
}

func (e *env) writeAnimatedGIF(rel string) {
	e.t.Helper()
	frame := func(c uint8) *image.Paletted {
		img := image.NewPaletted(image.Rect(0, 0, 8, 8), palette.Plan9)
		for i := range img.Pix {
			img.Pix[i] = c
		}
		return img
	}
	var buf bytes.Buffer
	err := gif.EncodeAll(&buf, &gif.GIF{
		Image: []*image.Paletted{frame(1), frame(2)},
		Delay: []int{10, 10},
	})
	if err != nil {
		e.t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(e.path(rel)), 0o755); err != nil {
		e.t.Fatal(err)
	}
	if err := os.WriteFile(e.path(rel), buf.Bytes(), 0o644); err != nil {
		e.t.Fatal(err)
	}
}

func (e *env) read(rel string) []byte {
	e.t.Helper()
	b, err := os.ReadFile(e.path(rel))
	if err != nil {
		e.t.Fatalf("read %s: %v", rel, err)
	}
	return b
}

func (e *env) createAttachment(id int64, rel, mime string, sizes ...database.SizeInfo) {
	e.t.Helper()
	meta, _ := database.ParseAttachmentMetadata("")
	meta.Width, meta.Height, meta.File = 160, 90, rel
	meta.Sizes = sizes
	_, err := e.db.CreateAttachment(e.ctx, &database.Attachment{
		ID:           id,
		MimeType:     mime,
		RelativePath: rel,
		Title:        filepath.Base(rel),
		GUID:         uploadsURL + "/" + rel,
		Metadata:     meta,
	})
	if err != nil {
		e.t.Fatalf("CreateAttachment: %v", err)
	}
}

// hero seeds attachment 42: a JPEG with one thumbnail, referenced by a post.
func (e *env) hero() int64 {
	e.t.Helper()
	e.writeImage("2025/08/hero.jpg", 160, 90, "jpeg")
	e.writeImage("2025/08/hero-30x17.jpg", 30, 17, "jpeg")
	e.createAttachment(42, "2025/08/hero.jpg", "image/jpeg",
		database.SizeInfo{Name: "medium", File: "hero-30x17.jpg", Width: 30, Height: 17, MimeType: "image/jpeg"},
		database.SizeInfo{Name: "thumbnail", File: "hero-30x17.jpg", Width: 30, Height: 17, MimeType: "image/jpeg"},
	)
	postID, err := e.db.CreatePost(e.ctx, "Hello",
		`<img src="`+uploadsURL+`/2025/08/hero.jpg" srcset="`+uploadsURL+`/2025/08/hero-30x17.jpg 30w">`)
	if err != nil {
		e.t.Fatal(err)
	}
	return postID
}

func (e *env) status(id int64) state.Status {
	e.t.Helper()
	s, err := state.NewTracker(e.db).Status(e.ctx, id)
	if err != nil {
		e.t.Fatal(err)
	}
	return s
}

func runOptions() Options {
	return Options{Settings: settings.Default(), BackupStamp: testStamp}
}

func TestProcessRelinksWithBackup(t *testing.T) {
	e := newEnv(t)
	postID := e.hero()
	jpgBytes := e.read("2025/08/hero.jpg")

	res, err := e.pipeline().Process(e.ctx, 42, runOptions())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Outcome != OutcomeConverted || res.Status != state.StatusRelinked {
		t.Fatalf("result = %+v", res)
	}
	if res.NewFile != "2025/08/hero.webp" {
		t.Errorf("NewFile = %q", res.NewFile)
	}

	for _, rel := range []string{"2025/08/hero.webp", "2025/08/hero-30x17.webp"} {
		if !filesystem.Exists(e.path(rel)) {
			t.Errorf("%s not created", rel)
		}
	}
	for _, rel := range []string{"2025/08/hero.jpg", "2025/08/hero-30x17.jpg"} {
		if filesystem.Exists(e.path(rel)) {
			t.Errorf("%s still in place", rel)
		}
	}
	backup := BackupDir(e.uploads, testStamp, 42)
	got, err := os.ReadFile(filepath.Join(backup, "hero.jpg"))
	if err != nil || !bytes.Equal(got, jpgBytes) {
		t.Errorf("backup of hero.jpg missing or changed: %v", err)
	}
	if !filesystem.Exists(filepath.Join(backup, "hero-30x17.jpg")) {
		t.Error("thumbnail not staged")
	}
	if e.encoder.calls != 2 {
		t.Errorf("encoder calls = %d, want 2 (shared thumbnail converted once)", e.encoder.calls)
	}

	if s := e.status(42); s != state.StatusRelinked {
		t.Errorf("status = %q", s)
	}
	tracker := state.NewTracker(e.db)
	report, err := tracker.Report(e.ctx, 42)
	if err != nil || report == nil {
		t.Fatalf("Report: %v, %v", report, err)
	}
	if report.MapSize < 2 || report.URLMap.Len() != report.MapSize {
		t.Errorf("map size = %d", report.MapSize)
	}
	if report.Original == nil || report.Original.RelativePath != "2025/08/hero.jpg" || report.Original.MimeType != "image/jpeg" {
		t.Errorf("original record = %+v", report.Original)
	}
	if len(report.Posts) != 1 || report.Posts[0] != postID {
		t.Errorf("touched posts = %v", report.Posts)
	}
	if dir, ok, _ := tracker.BackupDir(e.ctx, 42); !ok || dir != backup {
		t.Errorf("backup dir = %q, %v", dir, ok)
	}

	content, err := e.db.GetPostContent(e.ctx, postID)
	if err != nil {
		t.Fatal(err)
	}
	want := `<img src="` + uploadsURL + `/2025/08/hero.webp" srcset="` + uploadsURL + `/2025/08/hero-30x17.webp 30w">`
	if content != want {
		t.Errorf("post content = %q", content)
	}

	att, err := e.db.GetAttachment(e.ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if att.RelativePath != "2025/08/hero.webp" || att.MimeType != "image/webp" {
		t.Errorf("record = %s (%s)", att.RelativePath, att.MimeType)
	}
	if att.GUID != uploadsURL+"/2025/08/hero.webp" {
		t.Errorf("guid = %q", att.GUID)
	}
	if att.Metadata.File != "2025/08/hero.webp" || att.Metadata.Width != 160 || att.Metadata.Height != 90 {
		t.Errorf("metadata = %+v", att.Metadata)
	}
	for _, name := range []string{"medium", "thumbnail"} {
		s, ok := att.Metadata.Size(name)
		if !ok || s.File != "hero-30x17.webp" || s.MimeType != "image/webp" || s.Width != 30 {
			t.Errorf("size %s = %+v, %v", name, s, ok)
		}
	}

	if _, ok, _ := e.ledger.Get(e.ctx, 42); ok {
		t.Error("successful run left a ledger entry")
	}
}

func TestProcessWithoutValidationCommits(t *testing.T) {
	e := newEnv(t)
	e.hero()
	opts := runOptions()
	opts.Settings.ValidationMode = false

	res, err := e.pipeline().Process(e.ctx, 42, opts)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != state.StatusCommitted {
		t.Errorf("status = %q", res.Status)
	}
	if filesystem.Exists(e.path("2025/08/hero.jpg")) {
		t.Error("original not deleted")
	}
	if _, err := os.Stat(filepath.Join(e.uploads, BackupDirName)); !os.IsNotExist(err) {
		t.Errorf("backup directory created without validation: %v", err)
	}
	tracker := state.NewTracker(e.db)
	if r, _ := tracker.Report(e.ctx, 42); r != nil {
		t.Error("committed attachment kept a report")
	}
	if s := e.status(42); s != state.StatusCommitted {
		t.Errorf("stored status = %q", s)
	}
}

func TestProcessAutoCommitRemovesBackup(t *testing.T) {
	e := newEnv(t)
	e.hero()
	opts := runOptions()
	opts.Settings.AutoCommit = true

	res, err := e.pipeline().Process(e.ctx, 42, opts)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != state.StatusCommitted {
		t.Errorf("status = %q", res.Status)
	}
	if _, err := os.Stat(BackupDir(e.uploads, testStamp, 42)); !os.IsNotExist(err) {
		t.Errorf("backup directory survived auto-commit: %v", err)
	}
}

func TestProcessSkipsAnimatedGIF(t *testing.T) {
	e := newEnv(t)
	e.writeAnimatedGIF("2025/08/spin.gif")
	e.createAttachment(7, "2025/08/spin.gif", "image/gif")
	before := e.read("2025/08/spin.gif")

	res, err := e.pipeline().Process(e.ctx, 7, runOptions())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Outcome != OutcomeSkipped || res.Status != state.StatusSkippedAnimated {
		t.Errorf("result = %+v", res)
	}
	if s := e.status(7); s != state.StatusSkippedAnimated {
		t.Errorf("status = %q", s)
	}
	if !bytes.Equal(e.read("2025/08/spin.gif"), before) {
		t.Error("animated GIF was modified")
	}
	if filesystem.Exists(e.path("2025/08/spin.webp")) {
		t.Error("animated GIF was converted")
	}
	if _, ok, _ := e.ledger.Get(e.ctx, 7); ok {
		t.Error("intentional skip was logged as an error")
	}
	if e.encoder.calls != 0 {
		t.Errorf("encoder called %d times", e.encoder.calls)
	}
}

func TestProcessConvertsStillGIF(t *testing.T) {
	e := newEnv(t)
	e.writeImage("still.gif", 20, 10, "gif")
	e.createAttachment(8, "still.gif", "image/gif")

	res, err := e.pipeline().Process(e.ctx, 8, runOptions())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Outcome != OutcomeConverted || res.NewFile != "still.webp" {
		t.Errorf("result = %+v", res)
	}
}

func TestProcessEncodeFailure(t *testing.T) {
	e := newEnv(t)
	e.writeImage("2025/08/broken.png", 64, 64, "png")
	full := e.read("2025/08/broken.png")
	truncated := full[:len(full)/2]
	if err := os.WriteFile(e.path("2025/08/broken.png"), truncated, 0o644); err != nil {
		t.Fatal(err)
	}
	e.createAttachment(99, "2025/08/broken.png", "image/png")
	p := e.pipeline()

	res, err := p.Process(e.ctx, 99, runOptions())
	var stepErr *state.StepError
	if !errors.As(err, &stepErr) || stepErr.Step != state.StepFormatConversion {
		t.Fatalf("err = %v, want format_conversion step error", err)
	}
	if res.Status != state.StatusConvertFailed || res.Outcome != OutcomeFailed {
		t.Errorf("result = %+v", res)
	}
	if filesystem.Exists(e.path("2025/08/broken.webp")) {
		t.Error("failed encode left a .webp file")
	}
	if !bytes.Equal(e.read("2025/08/broken.png"), truncated) {
		t.Error("original modified")
	}
	if s := e.status(99); s != state.StatusConvertFailed {
		t.Errorf("status = %q", s)
	}
	if msg, _ := p.Tracker().LastError(e.ctx, 99); !strings.Contains(msg, "format_conversion") {
		t.Errorf("stored error = %q", msg)
	}
	if _, err := os.Stat(BackupDir(e.uploads, testStamp, 99)); !os.IsNotExist(err) {
		t.Error("empty backup directory left behind")
	}

	first, ok, _ := e.ledger.Get(e.ctx, 99)
	if !ok || first.Step != state.StepFormatConversion || first.Count != 1 {
		t.Fatalf("ledger entry = %+v, %v", first, ok)
	}

	retry := runOptions()
	retry.Explicit = true
	if _, err := p.Process(e.ctx, 99, retry); err == nil {
		t.Fatal("retry of a truncated file succeeded")
	}
	second, _, _ := e.ledger.Get(e.ctx, 99)
	if second.Count != 2 || !second.FirstTS.Equal(first.FirstTS) {
		t.Errorf("after retry: count=%d first=%v, was %v", second.Count, second.FirstTS, first.FirstTS)
	}
}

func TestProcessMissingFile(t *testing.T) {
	e := newEnv(t)
	e.createAttachment(5, "2025/08/gone.jpg", "image/jpeg")

	_, err := e.pipeline().Process(e.ctx, 5, runOptions())
	var stepErr *state.StepError
	if !errors.As(err, &stepErr) || stepErr.Step != state.StepFileValidation {
		t.Fatalf("err = %v", err)
	}
	if s := e.status(5); s != state.StatusNone {
		t.Errorf("status = %q, want none", s)
	}
	if entry, ok, _ := e.ledger.Get(e.ctx, 5); !ok || entry.Filename != "2025/08/gone.jpg" {
		t.Errorf("ledger entry = %+v, %v", entry, ok)
	}
}

func TestProcessUnknownAttachment(t *testing.T) {
	e := newEnv(t)
	_, err := e.pipeline().Process(e.ctx, 1234, runOptions())
	if !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	var stepErr *state.StepError
	if !errors.As(err, &stepErr) || stepErr.Step != state.StepMetadataPreparation {
		t.Errorf("step = %v", stepErr)
	}
}

func TestProcessBusy(t *testing.T) {
	e := newEnv(t)
	e.hero()
	lock, err := filesystem.Acquire(filesystem.AttachmentLockPath(e.uploads, 42))
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	res, err := e.pipeline().Process(e.ctx, 42, runOptions())
	if !errors.Is(err, ErrBusy) || res != nil {
		t.Fatalf("Process = %v, %v; want ErrBusy", res, err)
	}
	if _, ok, _ := e.ledger.Get(e.ctx, 42); ok {
		t.Error("busy attachment logged as an error")
	}
	if !filesystem.Exists(e.path("2025/08/hero.jpg")) {
		t.Error("original touched")
	}
}

func TestProcessAlreadyTargetFormat(t *testing.T) {
	e := newEnv(t)
	e.writeImage("pic.png", 20, 20, "png")
	if err := os.Rename(e.path("pic.png"), e.path("pic.webp")); err != nil {
		t.Fatal(err)
	}
	e.createAttachment(3, "pic.webp", "image/webp")

	res, err := e.pipeline().Process(e.ctx, 3, runOptions())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Outcome != OutcomeUnchanged || res.Status != state.StatusNone {
		t.Errorf("result = %+v", res)
	}
	if e.encoder.calls != 0 {
		t.Error("encoder called for a file already in the target format")
	}
}

func TestProcessSameFormatResizeWritesScaledCopy(t *testing.T) {
	e := newEnv(t)
	e.writeImage("pic.png", 200, 100, "png")
	if err := os.Rename(e.path("pic.png"), e.path("pic.webp")); err != nil {
		t.Fatal(err)
	}
	e.createAttachment(3, "pic.webp", "image/webp")
	opts := runOptions()
	opts.Settings.BoundingBox = settings.BoundingBox{Enabled: true, Mode: settings.BBoxMax, Width: 100, Height: 100}

	res, err := e.pipeline().Process(e.ctx, 3, opts)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.NewFile != "pic-scaled.webp" {
		t.Errorf("NewFile = %q", res.NewFile)
	}
	d, err := media.ProbeDimensions(e.path("pic-scaled.webp"))
	if err != nil || d.Width != 100 || d.Height != 50 {
		t.Errorf("scaled dimensions = %v, %v", d, err)
	}
	if !filesystem.Exists(filepath.Join(BackupDir(e.uploads, testStamp, 3), "pic.webp")) {
		t.Error("original not staged")
	}
	entries, _ := ledger.NewResizeDebugLog(e.uploads).All(e.ctx)
	if len(entries) != 1 || entries[0].Outcome != "resized" || entries[0].TargetWidth != 100 {
		t.Errorf("resize log = %+v", entries)
	}
}

func TestProcessResizeFailureIsNotFatal(t *testing.T) {
	e := newEnv(t)
	e.hero()
	e.deps.NewResizer = func(media.EncodeOptions) Resizer {
		return blankResizer{err: media.ErrDimensionMismatch}
	}
	opts := runOptions()
	opts.Settings.BoundingBox = settings.BoundingBox{Enabled: true, Mode: settings.BBoxMax, Width: 80, Height: 80}

	res, err := e.pipeline().Process(e.ctx, 42, opts)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != state.StatusRelinked {
		t.Errorf("status = %q", res.Status)
	}
	d, err := media.ProbeDimensions(e.path("2025/08/hero.webp"))
	if err != nil || d.Width != 160 {
		t.Errorf("encoded file after failed resize = %v, %v", d, err)
	}
	entry, ok, _ := e.ledger.Get(e.ctx, 42)
	if !ok || entry.Step != state.StepBoundingBoxResize {
		t.Errorf("ledger entry = %+v, %v", entry, ok)
	}
	entries, _ := ledger.NewResizeDebugLog(e.uploads).All(e.ctx)
	if len(entries) != 1 || entries[0].Outcome != "restored" {
		t.Errorf("resize log = %+v", entries)
	}
	matches, _ := filepath.Glob(e.path("2025/08/*.tmp.*"))
	if len(matches) != 0 {
		t.Errorf("temp files left: %v", matches)
	}
}

func TestProcessCollisionSuffix(t *testing.T) {
	e := newEnv(t)
	e.hero()
	e.writeImage("2025/08/other.png", 4, 4, "png")
	if err := os.Rename(e.path("2025/08/other.png"), e.path("2025/08/hero.webp")); err != nil {
		t.Fatal(err)
	}
	unrelated := e.read("2025/08/hero.webp")

	res, err := e.pipeline().Process(e.ctx, 42, runOptions())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.NewFile != "2025/08/hero-1.webp" {
		t.Errorf("NewFile = %q", res.NewFile)
	}
	if !filesystem.Exists(e.path("2025/08/hero-1-30x17.webp")) {
		t.Error("thumbnail not named after the new main file")
	}
	if !bytes.Equal(e.read("2025/08/hero.webp"), unrelated) {
		t.Error("existing file overwritten")
	}
}

func TestProcessRewriteFailureCompensates(t *testing.T) {
	e := newEnv(t)
	postID := e.hero()
	original, _ := e.db.GetPostContent(e.ctx, postID)
	jpgBytes := e.read("2025/08/hero.jpg")
	e.deps.Rewriter = &failingRewriter{inner: rewrite.New(e.db)}

	res, err := e.pipeline().Process(e.ctx, 42, runOptions())
	var stepErr *state.StepError
	if !errors.As(err, &stepErr) || stepErr.Step != state.StepDatabaseUpdate {
		t.Fatalf("err = %v", err)
	}
	if res.Status != state.StatusConvertFailed {
		t.Errorf("status = %q", res.Status)
	}
	content, _ := e.db.GetPostContent(e.ctx, postID)
	if content != original {
		t.Errorf("post not restored: %q", content)
	}
	for _, rel := range []string{"2025/08/hero.webp", "2025/08/hero-30x17.webp"} {
		if filesystem.Exists(e.path(rel)) {
			t.Errorf("%s not cleaned up", rel)
		}
	}
	if !bytes.Equal(e.read("2025/08/hero.jpg"), jpgBytes) {
		t.Error("original changed")
	}
	att, _ := e.db.GetAttachment(e.ctx, 42)
	if att.RelativePath != "2025/08/hero.jpg" || att.MimeType != "image/jpeg" {
		t.Errorf("record changed: %s (%s)", att.RelativePath, att.MimeType)
	}
	entry, ok, _ := e.ledger.Get(e.ctx, 42)
	if !ok || entry.AdditionalData["manifest"] == nil || entry.AdditionalData["compensated"] != true {
		t.Errorf("ledger entry = %+v", entry)
	}
}

func TestProcessStateWriteFailureKeepsOriginals(t *testing.T) {
	e := newEnv(t)
	postID := e.hero()
	original, _ := e.db.GetPostContent(e.ctx, postID)
	jpgBytes := e.read("2025/08/hero.jpg")
	thumbBytes := e.read("2025/08/hero-30x17.jpg")
	e.deps.Meta = reportFailingMeta{e.db}

	res, err := e.pipeline().Process(e.ctx, 42, runOptions())
	var stepErr *state.StepError
	if !errors.As(err, &stepErr) || stepErr.Step != state.StepAttachmentUpdate {
		t.Fatalf("err = %v, want attachment_update StepError", err)
	}
	if res.Status != state.StatusConvertFailed {
		t.Errorf("result status = %q", res.Status)
	}
	if got := e.status(42); got != state.StatusConvertFailed {
		t.Errorf("stored status = %q", got)
	}

	if !bytes.Equal(e.read("2025/08/hero.jpg"), jpgBytes) || !bytes.Equal(e.read("2025/08/hero-30x17.jpg"), thumbBytes) {
		t.Error("originals moved or changed")
	}
	for _, rel := range []string{"2025/08/hero.webp", "2025/08/hero-30x17.webp"} {
		if filesystem.Exists(e.path(rel)) {
			t.Errorf("%s not cleaned up", rel)
		}
	}
	if filesystem.Exists(BackupDir(e.uploads, testStamp, 42)) {
		t.Error("backup directory left behind")
	}

	att, _ := e.db.GetAttachment(e.ctx, 42)
	if att.RelativePath != "2025/08/hero.jpg" || att.MimeType != "image/jpeg" {
		t.Errorf("record not restored: %s (%s)", att.RelativePath, att.MimeType)
	}
	if content, _ := e.db.GetPostContent(e.ctx, postID); content != original {
		t.Errorf("post not restored: %q", content)
	}
	if _, ok, _ := e.db.GetPostMeta(e.ctx, 42, state.KeyBackupDir); ok {
		t.Error("backup pointer kept after failure")
	}

	entry, ok, _ := e.ledger.Get(e.ctx, 42)
	if !ok || entry.Step != state.StepAttachmentUpdate {
		t.Errorf("ledger entry = %+v, %v", entry, ok)
	}
}

func TestProcessSkipsConvertedAttachments(t *testing.T) {
	e := newEnv(t)
	e.hero()
	p := e.pipeline()
	if _, err := p.Process(e.ctx, 42, runOptions()); err != nil {
		t.Fatal(err)
	}
	calls := e.encoder.calls

	res, err := p.Process(e.ctx, 42, runOptions())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSkipped || e.encoder.calls != calls {
		t.Errorf("relinked attachment processed again: %+v", res)
	}
}

func TestProcessRecordsDimensionInconsistency(t *testing.T) {
	e := newEnv(t)
	e.writeImage("2025/08/banner-300x100.png", 120, 40, "png")
	e.createAttachment(11, "2025/08/banner-300x100.png", "image/png")
	opts := runOptions()
	opts.Settings.CheckFilenameDimensions = true

	if _, err := e.pipeline().Process(e.ctx, 11, opts); err != nil {
		t.Fatalf("Process: %v", err)
	}
	entries, err := ledger.NewDimensionLog(e.uploads).All(e.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].FilenameWidth != 300 || entries[0].ActualWidth != 120 {
		t.Errorf("dimension log = %+v", entries)
	}
}
