package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"webp-migrator/internal/database"
	"webp-migrator/internal/filesystem"
	"webp-migrator/internal/ledger"
	"webp-migrator/internal/logging"
	"webp-migrator/internal/media"
	"webp-migrator/internal/mediatypes"
	"webp-migrator/internal/metrics"
	"webp-migrator/internal/rewrite"
	"webp-migrator/internal/settings"
	"webp-migrator/internal/state"
	"webp-migrator/internal/urlmap"
)

// BackupDirName is the directory under the uploads root that receives
// staged originals.
const BackupDirName = "webp-migrator-backup"

// BackupStampLayout formats the per-run backup directory name.
const BackupStampLayout = "20060102-150405"

// Verification of the relinked record is retried a few times before the
// update is treated as lost.
const (
	verifyRetries  = 2
	verifyInterval = 100 * time.Millisecond
)

// ErrBusy is returned when another run holds the attachment's lock.
var ErrBusy = errors.New("attachment is being processed")

// Store is the host record capability the pipeline needs.
type Store interface {
	GetAttachment(ctx context.Context, id int64) (*database.Attachment, error)
	UpdateAttachment(ctx context.Context, a *database.Attachment) error
}

// Encoder converts an image file into a target format.
type Encoder interface {
	Encode(ctx context.Context, src, dst string, f mediatypes.Format, opts media.EncodeOptions) error
}

// Resizer rescales a file in place.
type Resizer interface {
	ResizeInPlace(ctx context.Context, path string, w, h int) error
}

// ReferenceRewriter substitutes URL map entries across content surfaces.
type ReferenceRewriter interface {
	Apply(ctx context.Context, m *urlmap.Map, scope rewrite.Scope) (state.Manifest, error)
}

// ErrorLog is the error ledger capability.
type ErrorLog interface {
	Log(ctx context.Context, f ledger.Failure) (ledger.Entry, bool, error)
	Remove(ctx context.Context, id int64) (bool, error)
}

// Dependencies wires a Pipeline. Nil optional fields get defaults.
type Dependencies struct {
	Store      Store
	Meta       state.MetaStore
	Encoder    Encoder
	Rewriter   ReferenceRewriter
	Ledger     ErrorLog
	Dimensions *ledger.DimensionLog
	ResizeLog  *ledger.ResizeDebugLog

	// NewResizer builds the resize stage for one run's encode options.
	NewResizer func(opts media.EncodeOptions) Resizer

	UploadsDir string
	UploadsURL string
}

// Options are the per-run inputs.
type Options struct {
	Settings settings.Settings
	// Explicit marks the retry path: ledger entries and skip statuses do
	// not prevent the run.
	Explicit bool
	// BackupStamp names the backup directory; runs of one batch share it.
	// Empty means the current time.
	BackupStamp string
}

// Outcome summarizes a run for the progress stream.
type Outcome string

const (
	OutcomeConverted Outcome = "converted"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Result describes one finished run.
type Result struct {
	ID          int64         `json:"id"`
	Title       string        `json:"title"`
	Status      state.Status  `json:"status"`
	Outcome     Outcome       `json:"outcome"`
	Message     string        `json:"message"`
	NewFile     string        `json:"new_file,omitempty"`
	MapSize     int           `json:"map_size,omitempty"`
	RowsChanged int           `json:"rows_changed,omitempty"`
	BytesBefore int64         `json:"bytes_before,omitempty"`
	BytesAfter  int64         `json:"bytes_after,omitempty"`
	Duration    time.Duration `json:"-"`
}

// Pipeline runs attachments through conversion.
type Pipeline struct {
	store      Store
	tracker    *state.Tracker
	encoder    Encoder
	rewriter   ReferenceRewriter
	ledger     ErrorLog
	dimensions *ledger.DimensionLog
	resizeLog  *ledger.ResizeDebugLog
	newResizer func(opts media.EncodeOptions) Resizer
	uploadsDir string
	uploadsURL string
	now        func() time.Time
}

// New creates a Pipeline.
func New(deps Dependencies) *Pipeline {
	p := &Pipeline{
		store:      deps.Store,
		tracker:    state.NewTracker(deps.Meta),
		encoder:    deps.Encoder,
		rewriter:   deps.Rewriter,
		ledger:     deps.Ledger,
		dimensions: deps.Dimensions,
		resizeLog:  deps.ResizeLog,
		newResizer: deps.NewResizer,
		uploadsDir: deps.UploadsDir,
		uploadsURL: deps.UploadsURL,
		now:        time.Now,
	}
	if p.encoder == nil {
		p.encoder = media.DefaultAdapter()
	}
	if p.newResizer == nil {
		p.newResizer = func(opts media.EncodeOptions) Resizer { return media.NewResizer(opts) }
	}
	return p
}

// Tracker exposes the state tracker the pipeline writes through.
func (p *Pipeline) Tracker() *state.Tracker {
	return p.tracker
}

// Process runs attachment id through the pipeline. A pipeline failure is
// returned as a *state.StepError together with a Result describing it;
// ErrBusy is returned without a Result.
func (p *Pipeline) Process(ctx context.Context, id int64, opts Options) (*Result, error) {
	lock, err := filesystem.Acquire(filesystem.AttachmentLockPath(p.uploadsDir, id))
	if err != nil {
		if errors.Is(err, filesystem.ErrLocked) {
			return nil, fmt.Errorf("attachment %d: %w", id, ErrBusy)
		}
		return nil, fmt.Errorf("failed to lock attachment %d: %w", id, err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logging.Warn("Failed to release lock for attachment %d: %v", id, err)
		}
	}()

	start := time.Now()
	j := &job{p: p, id: id, opts: opts, result: &Result{ID: id}}
	if j.opts.BackupStamp == "" {
		j.opts.BackupStamp = p.now().Format(BackupStampLayout)
	}

	err = j.execute(ctx)
	j.result.Duration = time.Since(start)
	metrics.PipelineDuration.Observe(j.result.Duration.Seconds())

	var stepErr *state.StepError
	if errors.As(err, &stepErr) {
		p.recordFailure(ctx, j, stepErr)
		return j.result, err
	}
	if err != nil {
		j.result.Outcome = OutcomeFailed
		j.result.Message = err.Error()
		logging.Error("Attachment %d: %v", id, err)
		return j.result, err
	}
	return j.result, nil
}

// recordFailure removes what the run created and persists the failure.
func (p *Pipeline) recordFailure(ctx context.Context, j *job, stepErr *state.StepError) {
	j.cleanup()

	j.result.Status = stepErr.Status
	j.result.Outcome = OutcomeFailed
	j.result.Message = stepErr.Error()
	metrics.AttachmentsProcessedTotal.WithLabelValues(stepErr.Status.Label()).Inc()

	if stepErr.Status == state.StatusCriticalFailure {
		logging.Error("CRITICAL: attachment %d needs operator attention: %v", j.id, stepErr)
	} else {
		logging.Error("Attachment %d failed at %s: %v", j.id, stepErr.Step, stepErr.Err)
	}

	if j.att != nil {
		if err := p.tracker.SetStatus(ctx, j.id, stepErr.Status); err != nil {
			logging.Error("Failed to record status for attachment %d: %v", j.id, err)
		}
		if err := p.tracker.SetError(ctx, j.id, stepErr.Error()); err != nil {
			logging.Error("Failed to record error for attachment %d: %v", j.id, err)
		}
	}

	if p.ledger == nil {
		return
	}
	failure := ledger.Failure{
		AttachmentID: j.id,
		Step:         stepErr.Step,
		Message:      stepErr.Err.Error(),
		TargetFormat: j.opts.Settings.TargetFormat,
		Quality:      j.opts.Settings.Quality(),
	}
	if j.att != nil {
		failure.Filename = j.att.RelativePath
		failure.Mime = j.att.MimeType
	}
	if j.manifest.Total() > 0 {
		failure.Extra = map[string]any{"manifest": j.manifest.Counts(), "compensated": j.compensated}
	}
	_, first, err := p.ledger.Log(ctx, failure)
	if err != nil {
		logging.Error("Failed to write error ledger for attachment %d: %v", j.id, err)
		return
	}
	if first {
		metrics.PipelineFailuresTotal.WithLabelValues(string(stepErr.Step)).Inc()
	}
}

// BackupDir returns the backup directory of attachment id for stamp.
func BackupDir(uploadsDir, stamp string, id int64) string {
	return filepath.Join(uploadsDir, BackupDirName, stamp, fmt.Sprintf("att-%d", id))
}
