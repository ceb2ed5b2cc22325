package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"webp-migrator/internal/database"
	"webp-migrator/internal/filesystem"
	"webp-migrator/internal/ledger"
	"webp-migrator/internal/logging"
	"webp-migrator/internal/media"
	"webp-migrator/internal/mediatypes"
	"webp-migrator/internal/metrics"
	"webp-migrator/internal/rewrite"
	"webp-migrator/internal/serial"
	"webp-migrator/internal/state"
	"webp-migrator/internal/urlmap"
)

// warning is a non-fatal step failure reported after the run.
type warning struct {
	step state.Step
	err  error
}

// thumb is one converted size file.
type thumb struct {
	oldPath string
	newPath string
	newName string
}

// job is the working state of one run.
type job struct {
	p      *Pipeline
	id     int64
	opts   Options
	result *Result

	att       *database.Attachment
	src       string
	srcFormat mediatypes.Format
	target    mediatypes.Format
	srcBytes  int64
	dims      media.Dimensions
	hasDims   bool

	resizeTo  media.Dimensions
	newRel    string
	dst       string
	thumbs    []thumb
	meta      *database.AttachmentMetadata
	created   []string
	backupDir string

	urls        *urlmap.Map
	manifest    state.Manifest
	compensated bool
	warnings    []warning
}

func (j *job) execute(ctx context.Context) error {
	done, err := j.preflight(ctx)
	if err != nil || done {
		return err
	}
	if err := j.encode(ctx); err != nil {
		return err
	}
	j.resize(ctx)
	if err := j.rebuildMetadata(ctx); err != nil {
		return err
	}
	if err := j.mapURLs(); err != nil {
		return err
	}
	if err := j.rewriteReferences(ctx); err != nil {
		return err
	}
	if err := j.relink(ctx); err != nil {
		return err
	}
	status, err := j.persist(ctx)
	if err != nil {
		return err
	}
	j.stageOriginals()
	j.finish(ctx, status)
	return nil
}

func (j *job) abs(rel string) string {
	return filepath.Join(j.p.uploadsDir, filepath.FromSlash(rel))
}

func (j *job) encodeOptions() media.EncodeOptions {
	s := j.opts.Settings
	return media.EncodeOptions{Quality: s.Quality(), AvifSpeed: s.AVIFSpeed, JxlEffort: s.JXLEffort}
}

// preflight loads the attachment and decides whether there is anything to
// do. done is true when the run ended without a failure.
func (j *job) preflight(ctx context.Context) (done bool, err error) {
	j.att, err = j.p.store.GetAttachment(ctx, j.id)
	if err != nil {
		j.att = nil
		return false, state.Fail(state.StepMetadataPreparation, state.StatusNone, err)
	}
	j.result.Title = j.att.Title
	if j.att.Metadata == nil {
		j.att.Metadata, _ = database.ParseAttachmentMetadata("")
	}

	current, err := j.p.tracker.Status(ctx, j.id)
	if err != nil {
		return false, fmt.Errorf("failed to read status: %w", err)
	}
	j.result.Status = current
	switch {
	case current == state.StatusRelinked || current == state.StatusCommitted:
		j.result.Outcome = OutcomeSkipped
		j.result.Message = "already converted"
		return true, nil
	case current == state.StatusSkippedAnimated && !j.opts.Explicit:
		j.result.Outcome = OutcomeSkipped
		j.result.Message = "animated image"
		return true, nil
	}

	if j.att.RelativePath == "" {
		return false, state.Fail(state.StepMetadataPreparation, state.StatusNone,
			errors.New("attachment has no attached file"))
	}
	j.src = j.abs(j.att.RelativePath)
	if !filesystem.Exists(j.src) {
		return false, state.Fail(state.StepFileValidation, state.StatusNone,
			fmt.Errorf("original file not found: %s", j.att.RelativePath))
	}
	j.srcBytes = filesystem.Size(j.src)

	j.srcFormat = mediatypes.FormatForMime(j.att.MimeType)
	if j.srcFormat == "" {
		j.srcFormat = mediatypes.FormatForPath(j.att.RelativePath)
	}
	if j.srcFormat == "" {
		return false, state.Fail(state.StepMetadataPreparation, state.StatusNone,
			fmt.Errorf("unsupported mime type %q", j.att.MimeType))
	}
	target, ok := mediatypes.ParseFormat(j.opts.Settings.TargetFormat)
	if !ok || !target.IsTarget() {
		return false, state.Fail(state.StepMetadataPreparation, state.StatusNone,
			fmt.Errorf("unsupported target format %q", j.opts.Settings.TargetFormat))
	}
	j.target = target

	if j.srcFormat == mediatypes.FormatGIF {
		animated, err := media.IsAnimatedGIF(j.src)
		if err != nil {
			return false, state.Fail(state.StepFileValidation, state.StatusNone, err)
		}
		if animated {
			if err := j.p.tracker.SetStatus(ctx, j.id, state.StatusSkippedAnimated); err != nil {
				return false, fmt.Errorf("failed to record status: %w", err)
			}
			logging.Info("Skipping animated GIF %s (attachment %d)", j.att.RelativePath, j.id)
			metrics.AttachmentsProcessedTotal.WithLabelValues(state.StatusSkippedAnimated.Label()).Inc()
			j.result.Status = state.StatusSkippedAnimated
			j.result.Outcome = OutcomeSkipped
			j.result.Message = "animated image"
			return true, nil
		}
	}

	if d, err := media.ProbeDimensions(j.src); err == nil {
		j.dims, j.hasDims = d, true
		j.checkDimensions(ctx)
	} else {
		logging.Debug("Could not probe %s: %v", j.src, err)
	}

	resize := false
	if bb := j.opts.Settings.BoundingBox; bb.Enabled && j.hasDims {
		w, h, needed := media.Box{Mode: bb.Mode, Width: bb.Width, Height: bb.Height}.Fit(j.dims.Width, j.dims.Height)
		if needed {
			j.resizeTo = media.Dimensions{Width: w, Height: h}
			resize = true
		}
	}

	if j.srcFormat == j.target && !resize {
		j.result.Outcome = OutcomeUnchanged
		j.result.Message = "already " + string(j.target)
		return true, nil
	}

	if j.opts.Settings.ValidationMode {
		j.backupDir = BackupDir(j.p.uploadsDir, j.opts.BackupStamp, j.id)
		if err := os.MkdirAll(j.backupDir, 0o755); err != nil {
			j.backupDir = ""
			return false, state.Fail(state.StepDirectoryCreation, state.StatusConvertFailed, err)
		}
	}
	return false, nil
}

// checkDimensions records filenames whose "-WxH" suffix disagrees with the
// decoded size. It never fails the run.
func (j *job) checkDimensions(ctx context.Context) {
	if !j.opts.Settings.CheckFilenameDimensions || j.p.dimensions == nil {
		return
	}
	want, ok := media.DimensionsConsistent(j.att.RelativePath, j.dims)
	if ok {
		return
	}
	logging.Warn("Attachment %d: %s is %s but its name says %s", j.id, j.att.RelativePath, j.dims, want)
	err := j.p.dimensions.Record(ctx, ledger.DimensionEntry{
		AttachmentID:   j.id,
		File:           j.att.RelativePath,
		FilenameWidth:  want.Width,
		FilenameHeight: want.Height,
		ActualWidth:    j.dims.Width,
		ActualHeight:   j.dims.Height,
	})
	if err != nil {
		logging.Warn("Failed to record %s for attachment %d: %v", state.StepDimensionValidation, j.id, err)
	}
}

// uniqueName returns dir/stem.ext, or the first of stem-1.ext, stem-2.ext...
// that does not exist yet.
func (j *job) uniqueName(dir, stem, ext string) string {
	for i := 0; ; i++ {
		name := stem
		if i > 0 {
			name = fmt.Sprintf("%s-%d", stem, i)
		}
		rel := joinRel(dir, name+"."+ext)
		if !filesystem.Exists(j.abs(rel)) && !j.claimed(j.abs(rel)) {
			return rel
		}
	}
}

func (j *job) claimed(p string) bool {
	for _, c := range j.created {
		if c == p {
			return true
		}
	}
	return false
}

func (j *job) encode(ctx context.Context) error {
	stem := strings.TrimSuffix(path.Base(j.att.RelativePath), path.Ext(j.att.RelativePath))
	if j.srcFormat == j.target {
		stem += "-scaled"
	}
	j.newRel = j.uniqueName(path.Dir(j.att.RelativePath), stem, j.target.Extension())
	j.dst = j.abs(j.newRel)
	j.created = append(j.created, j.dst)

	var err error
	if j.srcFormat == j.target {
		err = filesystem.CopyFile(j.src, j.dst)
	} else {
		err = j.p.encoder.Encode(ctx, j.src, j.dst, j.target, j.encodeOptions())
	}
	if err != nil {
		return state.Fail(state.StepFormatConversion, state.StatusConvertFailed, err)
	}
	logging.Debug("Encoded %s -> %s", j.att.RelativePath, j.newRel)
	return nil
}

// resize fits the encoded file into the bounding box. Failures leave the
// encoded file as it was and are reported as warnings.
func (j *job) resize(ctx context.Context) {
	if j.resizeTo.Width == 0 {
		return
	}
	entry := ledger.ResizeEntry{
		AttachmentID: j.id,
		Path:         j.newRel,
		FromWidth:    j.dims.Width,
		FromHeight:   j.dims.Height,
		TargetWidth:  j.resizeTo.Width,
		TargetHeight: j.resizeTo.Height,
	}
	defer func() {
		if j.p.resizeLog == nil {
			return
		}
		if err := j.p.resizeLog.Append(ctx, entry); err != nil {
			logging.Warn("Failed to append resize debug entry: %v", err)
		}
	}()

	pre := filesystem.TempPath(j.dst)
	if err := filesystem.CopyFile(j.dst, pre); err != nil {
		entry.Outcome = "skipped"
		entry.Message = err.Error()
		j.warn(state.StepBoundingBoxResize, fmt.Errorf("pre-resize copy: %w", err))
		return
	}
	defer func() { _ = filesystem.RemoveIfExists(pre) }()

	err := j.p.newResizer(j.encodeOptions()).ResizeInPlace(ctx, j.dst, j.resizeTo.Width, j.resizeTo.Height)
	if err != nil {
		entry.Outcome = "restored"
		entry.Message = err.Error()
		if rerr := filesystem.ReplaceFile(pre, j.dst); rerr != nil {
			logging.Error("Failed to restore pre-resize file %s: %v", j.dst, rerr)
		}
		j.warn(state.StepBoundingBoxResize, err)
		return
	}

	entry.Outcome = "resized"
	if d, err := media.ProbeDimensions(j.dst); err == nil {
		entry.ResultWidth, entry.ResultHeight = d.Width, d.Height
	}
	logging.Info("Resized %s from %s to %s", j.newRel, j.dims, j.resizeTo)
}

func (j *job) warn(step state.Step, err error) {
	logging.Warn("Attachment %d: %s: %v", j.id, step, err)
	j.warnings = append(j.warnings, warning{step: step, err: err})
}

// rebuildMetadata converts the thumbnails and builds the new size
// metadata. The originals are sampled before and after; if one vanished the
// run fails critically.
func (j *job) rebuildMetadata(ctx context.Context) error {
	srcSize := filesystem.Size(j.src)
	meta := j.att.Metadata.Clone()
	dims, err := media.ProbeDimensions(j.dst)
	if err != nil {
		return state.Fail(state.StepMetadataGeneration, state.StatusMetadataFailed,
			fmt.Errorf("converted file is unreadable: %w", err))
	}
	meta.File = j.newRel
	meta.Width, meta.Height = dims.Width, dims.Height
	meta.SetFileSize(filesystem.Size(j.dst))

	if j.srcFormat != j.target {
		sizes, err := j.convertSizes(ctx)
		if err != nil {
			return err
		}
		meta.Sizes = sizes
	}

	if !filesystem.Exists(j.src) || filesystem.Size(j.src) != srcSize {
		return state.Fail(state.StepMetadataGeneration, state.StatusCriticalFailure,
			fmt.Errorf("original %s changed or disappeared during metadata generation", j.att.RelativePath))
	}
	if !filesystem.Exists(j.dst) {
		return state.Fail(state.StepMetadataGeneration, state.StatusCriticalFailure,
			fmt.Errorf("converted file %s disappeared during metadata generation", j.newRel))
	}
	j.meta = meta
	return nil
}

// convertSizes encodes every existing thumbnail next to its original,
// named after the new main file. Sizes sharing a file share the result;
// sizes whose file is missing are dropped.
func (j *job) convertSizes(ctx context.Context) ([]database.SizeInfo, error) {
	dir := path.Dir(j.att.RelativePath)
	oldStem := strings.TrimSuffix(path.Base(j.att.RelativePath), path.Ext(j.att.RelativePath))
	newStem := strings.TrimSuffix(path.Base(j.newRel), path.Ext(j.newRel))

	done := make(map[string]database.SizeInfo)
	var sizes []database.SizeInfo
	for _, s := range j.att.Metadata.Sizes {
		if s.File == "" {
			continue
		}
		if prev, ok := done[s.File]; ok {
			prev.Name = s.Name
			sizes = append(sizes, prev)
			continue
		}
		oldPath := j.abs(joinRel(dir, s.File))
		if !filesystem.Exists(oldPath) {
			logging.Debug("Attachment %d: size %s file %s is missing, dropping it", j.id, s.Name, s.File)
			continue
		}

		stem := strings.TrimSuffix(s.File, path.Ext(s.File))
		if rest, ok := strings.CutPrefix(stem, oldStem+"-"); ok {
			stem = newStem + "-" + rest
		}
		newRel := j.uniqueName(dir, stem, j.target.Extension())
		newPath := j.abs(newRel)
		j.created = append(j.created, newPath)
		if err := j.p.encoder.Encode(ctx, oldPath, newPath, j.target, j.encodeOptions()); err != nil {
			return nil, state.Fail(state.StepMetadataGeneration, state.StatusMetadataFailed,
				fmt.Errorf("size %s: %w", s.Name, err))
		}

		info := database.SizeInfo{
			Name:     s.Name,
			File:     path.Base(newRel),
			Width:    s.Width,
			Height:   s.Height,
			MimeType: j.target.Mime(),
		}
		if d, err := media.ProbeDimensions(newPath); err == nil {
			info.Width, info.Height = d.Width, d.Height
		}
		done[s.File] = info
		sizes = append(sizes, info)
		j.thumbs = append(j.thumbs, thumb{oldPath: oldPath, newPath: newPath, newName: info.File})
	}
	return sizes, nil
}

func (j *job) mapURLs() error {
	in := urlmap.Input{
		BaseDir:   filepath.ToSlash(j.p.uploadsDir),
		BaseURL:   j.p.uploadsURL,
		OldFile:   j.att.RelativePath,
		NewFile:   j.newRel,
		TargetExt: j.target.Extension(),
		Taken: func(rel string) bool {
			return filesystem.Exists(filepath.Join(j.p.uploadsDir, filepath.FromSlash(rel)))
		},
	}
	for _, s := range j.att.Metadata.Sizes {
		in.OldSizes = append(in.OldSizes, urlmap.Size{Name: s.Name, File: s.File})
	}
	for _, s := range j.meta.Sizes {
		in.NewSizes = append(in.NewSizes, urlmap.Size{Name: s.Name, File: s.File})
	}
	m, err := urlmap.Build(in)
	if err != nil {
		return state.Fail(state.StepURLMapping, state.StatusMetadataFailed, err)
	}
	j.urls = m
	j.result.MapSize = m.Len()
	return nil
}

func (j *job) rewriteReferences(ctx context.Context) error {
	manifest, err := j.p.rewriter.Apply(ctx, j.urls, rewrite.Scope{AttachmentID: j.id})
	j.manifest = manifest
	if err != nil {
		j.compensate(ctx)
		return state.Fail(state.StepDatabaseUpdate, state.StatusConvertFailed, err)
	}
	return nil
}

// compensate applies the inverse URL map so no surface keeps pointing at a
// converted file that is about to be removed.
func (j *job) compensate(ctx context.Context) {
	if j.urls == nil {
		return
	}
	restored, err := j.p.rewriter.Apply(ctx, j.urls.Inverse(), rewrite.Scope{AttachmentID: j.id})
	if err != nil {
		logging.Error("Attachment %d: restoring references failed after %d rows: %v", j.id, restored.Total(), err)
		return
	}
	j.compensated = true
	logging.Info("Attachment %d: restored %d rewritten rows", j.id, restored.Total())
}

// relink points the attachment record at the converted file and reads it
// back to verify the update landed.
func (j *job) relink(ctx context.Context) error {
	mime := j.target.Mime()
	guid, _ := serial.ReplaceString(j.att.GUID, j.urls.Pairs())
	updated := &database.Attachment{
		ID:           j.id,
		MimeType:     mime,
		RelativePath: j.newRel,
		Title:        j.att.Title,
		GUID:         guid,
		Metadata:     j.meta,
	}
	if err := j.p.store.UpdateAttachment(ctx, updated); err != nil {
		j.compensate(ctx)
		return state.Fail(state.StepAttachmentUpdate, state.StatusConvertFailed, err)
	}

	verify := func() error {
		got, err := j.p.store.GetAttachment(ctx, j.id)
		if err != nil {
			return err
		}
		if got.RelativePath != j.newRel || got.MimeType != mime {
			return fmt.Errorf("record reads back %s (%s)", got.RelativePath, got.MimeType)
		}
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(verifyInterval), verifyRetries), ctx)
	if err := backoff.Retry(verify, policy); err != nil {
		return j.unlink(ctx, fmt.Errorf("update not verified: %w", err))
	}
	return nil
}

// unlink puts the pre-conversion record back and reverses the rewritten
// references after a failure that left the originals in place.
func (j *job) unlink(ctx context.Context, cause error) error {
	original := &database.Attachment{
		ID:           j.id,
		MimeType:     j.att.MimeType,
		RelativePath: j.att.RelativePath,
		Title:        j.att.Title,
		GUID:         j.att.GUID,
		RawMetadata:  j.att.RawMetadata,
	}
	status := state.StatusConvertFailed
	if err := j.p.store.UpdateAttachment(ctx, original); err != nil {
		logging.Error("Attachment %d: failed to restore record: %v", j.id, err)
		status = state.StatusCriticalFailure
	}
	j.compensate(ctx)
	return state.Fail(state.StepAttachmentUpdate, status, cause)
}

// persist writes the final status, and for relinked runs the report and
// backup pointer, while the originals are still in place. When any write
// fails the record is unlinked so the cleanup leaves a consistent host.
func (j *job) persist(ctx context.Context) (state.Status, error) {
	s := j.opts.Settings
	status := state.StatusCommitted
	if s.ValidationMode && !s.AutoCommit {
		status = state.StatusRelinked
	}
	err := j.saveState(ctx, status)
	if err == nil {
		return status, nil
	}
	if cerr := j.p.tracker.ClearPluginKeys(ctx, j.id); cerr != nil {
		logging.Warn("Attachment %d: failed to clear migration keys: %v", j.id, cerr)
	}
	return "", j.unlink(ctx, err)
}

func (j *job) saveState(ctx context.Context, status state.Status) error {
	if err := j.p.tracker.ClearPluginKeys(ctx, j.id); err != nil {
		return fmt.Errorf("failed to reset migration keys: %w", err)
	}
	if status == state.StatusRelinked {
		files := []string{j.newRel}
		dir := path.Dir(j.newRel)
		for _, t := range j.thumbs {
			files = append(files, joinRel(dir, t.newName))
		}
		report := state.NewReport(j.urls, j.manifest, files, &state.OriginalRecord{
			RelativePath: j.att.RelativePath,
			MimeType:     j.att.MimeType,
			GUID:         j.att.GUID,
			Metadata:     j.att.RawMetadata,
		}, j.p.now())
		if err := j.p.tracker.SaveReport(ctx, j.id, report); err != nil {
			return fmt.Errorf("failed to save report: %w", err)
		}
		if err := j.p.tracker.SetBackupDir(ctx, j.id, j.backupDir); err != nil {
			return fmt.Errorf("failed to save backup directory: %w", err)
		}
	}
	if err := j.p.tracker.SetStatus(ctx, j.id, status); err != nil {
		return fmt.Errorf("failed to record status: %w", err)
	}
	return nil
}

// stageOriginals moves the originals into the backup directory, or deletes
// them when validation is off. Failures are warnings: the record already
// points at the converted file.
func (j *job) stageOriginals() {
	files := []string{j.src}
	for _, t := range j.thumbs {
		files = append(files, t.oldPath)
	}
	for _, f := range files {
		var err error
		if j.backupDir != "" {
			err = filesystem.MoveFile(f, filepath.Join(j.backupDir, filepath.Base(f)))
		} else {
			err = filesystem.RemoveIfExists(f)
		}
		if err != nil {
			j.warn(state.StepFileCleanup, err)
		}
	}
}

// finish drops the backup of committed runs, records warnings and fills in
// the result. The host state is already final.
func (j *job) finish(ctx context.Context, status state.Status) {
	s := j.opts.Settings
	if status == state.StatusCommitted && j.backupDir != "" {
		if err := os.RemoveAll(j.backupDir); err != nil {
			j.warn(state.StepFileCleanup, err)
		}
	}

	if j.p.ledger != nil {
		if _, err := j.p.ledger.Remove(ctx, j.id); err != nil {
			logging.Warn("Failed to clear ledger entry for attachment %d: %v", j.id, err)
		}
		for _, w := range j.warnings {
			if _, _, err := j.p.ledger.Log(ctx, ledger.Failure{
				AttachmentID: j.id,
				Filename:     j.newRel,
				Mime:         j.target.Mime(),
				Step:         w.step,
				Message:      w.err.Error(),
				TargetFormat: string(j.target),
				Quality:      s.Quality(),
			}); err != nil {
				logging.Warn("Failed to write error ledger for attachment %d: %v", j.id, err)
			}
		}
	}

	before, after := j.srcBytes, filesystem.Size(j.dst)
	if before > 0 {
		metrics.BytesTotal.WithLabelValues("before").Add(float64(before))
	}
	if after > 0 {
		metrics.BytesTotal.WithLabelValues("after").Add(float64(after))
	}
	metrics.AttachmentsProcessedTotal.WithLabelValues(status.Label()).Inc()

	j.result.Status = status
	j.result.Outcome = OutcomeConverted
	j.result.NewFile = j.newRel
	j.result.RowsChanged = j.manifest.Total()
	j.result.BytesBefore, j.result.BytesAfter = before, after
	j.result.Message = fmt.Sprintf("converted to %s, %d references updated", j.target, j.manifest.Total())
	if len(j.warnings) > 0 {
		j.result.Message += fmt.Sprintf(" (%d warnings)", len(j.warnings))
	}
	logging.Info("Attachment %d: %s -> %s (%s, %d map entries)", j.id, j.att.RelativePath, j.newRel, status.Label(), j.urls.Len())
}

// cleanup removes every file the run created and the backup directory if
// nothing was staged into it.
func (j *job) cleanup() {
	for _, f := range j.created {
		if err := filesystem.RemoveIfExists(f); err != nil {
			logging.Warn("Failed to remove %s: %v", f, err)
		}
	}
	if j.backupDir != "" {
		_ = os.Remove(j.backupDir)
		_ = os.Remove(filepath.Dir(j.backupDir))
	}
}

func joinRel(dir, file string) string {
	if dir == "." || dir == "" {
		return file
	}
	return dir + "/" + file
}
