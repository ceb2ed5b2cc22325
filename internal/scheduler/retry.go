package scheduler

import (
	"context"
	"errors"
	"fmt"

	"webp-migrator/internal/logging"
	"webp-migrator/internal/pipeline"
)

// ReprocessSummary reports a pass over the error ledger.
type ReprocessSummary struct {
	JobID      string `json:"job_id"`
	Total      int    `json:"total"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Busy       int    `json:"busy"`
	NotReached int    `json:"not_reached"`
	TimedOut   bool   `json:"timed_out"`
}

// Retry runs a single attachment through the explicit path: ledger entries
// and the animated skip do not prevent it. It may run alongside a job; the
// attachment lock keeps the two apart.
func (s *Scheduler) Retry(ctx context.Context, id int64) (*pipeline.Result, error) {
	set, err := s.load(ctx, RunOptions{})
	if err != nil {
		return nil, err
	}
	logging.Info("Retrying attachment %d", id)
	return s.proc.Process(ctx, id, pipeline.Options{Settings: set, Explicit: true})
}

// ReprocessErrors retries every attachment in the error ledger through the
// explicit path. It occupies the job slot, honours Stop between units and
// stops dispatching once the reprocess timeout has elapsed.
func (s *Scheduler) ReprocessErrors(ctx context.Context) (ReprocessSummary, error) {
	if s.errors == nil {
		return ReprocessSummary{}, errors.New("no error ledger configured")
	}
	j, err := s.begin(ctx)
	if err != nil {
		return ReprocessSummary{}, err
	}
	sum, st, err := s.reprocess(j)
	s.update(func(p *Progress) { p.Reprocess = &sum })
	s.end(j, st, err)
	return sum, err
}

// StartReprocess runs ReprocessErrors in the background and returns the
// job id. The summary is published on the progress snapshot.
func (s *Scheduler) StartReprocess(ctx context.Context) (string, error) {
	if s.errors == nil {
		return "", errors.New("no error ledger configured")
	}
	j, err := s.begin(context.WithoutCancel(ctx))
	if err != nil {
		return "", err
	}
	go func() {
		sum, st, err := s.reprocess(j)
		s.update(func(p *Progress) { p.Reprocess = &sum })
		s.end(j, st, err)
	}()
	return j.id, nil
}

func (s *Scheduler) reprocess(j *job) (ReprocessSummary, State, error) {
	sum := ReprocessSummary{JobID: j.id}
	ids, err := s.errors.AllIDs(j.ctx)
	if err != nil {
		return sum, StateFailed, fmt.Errorf("failed to read error ledger: %w", err)
	}
	set, err := s.load(j.ctx, RunOptions{})
	if err != nil {
		return sum, StateFailed, err
	}

	sum.Total = len(ids)
	s.update(func(p *Progress) {
		p.InitialCount = len(ids)
		p.Remaining = len(ids)
	})
	logging.Info("Reprocessing %d failed attachments", len(ids))

	deadline := s.now().Add(s.cfg.ReprocessTimeout)
	for i, id := range ids {
		if j.interrupted() {
			sum.NotReached = len(ids) - i
			return sum, j.stoppedState(), nil
		}
		if s.now().After(deadline) {
			sum.NotReached = len(ids) - i
			sum.TimedOut = true
			logging.Warn("Reprocessing stopped after %s with %d attachments left", s.cfg.ReprocessTimeout, sum.NotReached)
			return sum, StateCompleted, nil
		}

		s.update(func(p *Progress) { p.Current = id })
		res, err := s.proc.Process(j.ctx, id, pipeline.Options{Settings: set, Explicit: true, BackupStamp: j.stamp})
		s.update(func(p *Progress) {
			p.Current = 0
			p.Remaining = len(ids) - i - 1
		})
		if err != nil && j.ctx.Err() != nil {
			s.unit(LogLine{Level: "error", AttachmentID: id, Message: "interrupted: " + err.Error()}, true)
			sum.Failed++
			sum.NotReached = len(ids) - i - 1
			return sum, j.stoppedState(), nil
		}
		s.recordResult(id, res, err)

		switch {
		case errors.Is(err, pipeline.ErrBusy):
			sum.Busy++
		case err != nil || (res != nil && res.Outcome == pipeline.OutcomeFailed):
			sum.Failed++
		default:
			sum.Succeeded++
		}
	}
	return sum, StateCompleted, nil
}
