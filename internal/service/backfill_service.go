package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourorg/marketsync/internal/client"
	"github.com/yourorg/marketsync/internal/model"
)

// BackfillOptions tunes the locator and pager.
type BackfillOptions struct {
	ProbeStep       time.Duration
	MaxLookback     time.Duration
	PageSize        int
	EndRefreshPages int
	EndRefreshAfter time.Duration
	MaxRetries      uint64
}

// BackfillService downloads an instrument's full 1-minute history. The
// listing start is unknown, so a locator walks backward in week-sized probes
// before the pager streams pages forward through the shared ingest path.
// Jobs live in memory; the idempotent store makes re-running them safe.
type BackfillService struct {
	fetcher BarFetcher
	market  *MarketDataService
	store   CandleStore
	venue   string
	opts    BackfillOptions
	logger  *zap.Logger

	mu   sync.Mutex
	jobs map[string]*backfillEntry

	now func() time.Time
}

type backfillEntry struct {
	job    *model.BackfillJob
	cancel context.CancelFunc
}

// NewBackfillService creates a new backfill service
func NewBackfillService(fetcher BarFetcher, market *MarketDataService, store CandleStore, venue string, opts BackfillOptions, logger *zap.Logger) *BackfillService {
	return &BackfillService{
		fetcher: fetcher,
		market:  market,
		store:   store,
		venue:   venue,
		opts:    opts,
		logger:  logger,
		jobs:    make(map[string]*backfillEntry),
		now:     time.Now,
	}
}

// StartBackfill creates the instrument if needed and launches a background
// job that locates the earliest available candle and downloads everything
// from there to the present.
func (s *BackfillService) StartBackfill(ctx context.Context, symbol string, from *time.Time) (*model.BackfillJob, error) {
	inst, err := s.store.GetOrCreateInstrument(ctx, s.venue, symbol, "crypto")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve instrument: %w", err)
	}

	job := &model.BackfillJob{
		ID:           uuid.New().String(),
		InstrumentID: inst.ID,
		Symbol:       symbol,
		Status:       model.BackfillPending,
		StartedAt:    s.now().UTC(),
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.jobs[job.ID] = &backfillEntry{job: job, cancel: cancel}
	s.mu.Unlock()

	go s.runJob(jobCtx, job, from)

	return s.snapshot(job.ID), nil
}

// GetJob returns a copy of a job's current state, or nil if unknown.
func (s *BackfillService) GetJob(id string) *model.BackfillJob {
	return s.snapshot(id)
}

// ListJobs returns copies of all jobs started this session.
func (s *BackfillService) ListJobs() []*model.BackfillJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.BackfillJob, 0, len(s.jobs))
	for _, e := range s.jobs {
		cp := *e.job
		out = append(out, &cp)
	}
	return out
}

// CancelJob stops a running job. Returns false if the job is unknown.
func (s *BackfillService) CancelJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return false
	}
	e.cancel()
	return true
}

// Shutdown cancels every running job.
func (s *BackfillService) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.jobs {
		e.cancel()
	}
}

func (s *BackfillService) snapshot(id string) *model.BackfillJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil
	}
	cp := *e.job
	return &cp
}

func (s *BackfillService) update(id string, fn func(j *model.BackfillJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.jobs[id]; ok {
		fn(e.job)
	}
}

func (s *BackfillService) runJob(ctx context.Context, job *model.BackfillJob, from *time.Time) {
	finish := func(status model.BackfillStatus, errMsg string) {
		now := s.now().UTC()
		s.update(job.ID, func(j *model.BackfillJob) {
			j.Status = status
			j.Error = errMsg
			j.FinishedAt = &now
		})
	}

	start := time.Time{}
	if from != nil {
		start = from.UTC()
	} else {
		s.update(job.ID, func(j *model.BackfillJob) { j.Status = model.BackfillLocating })
		earliest, found, err := s.LocateEarliest(ctx, job.Symbol)
		if err != nil {
			if ctx.Err() != nil {
				finish(model.BackfillCancelled, "")
				return
			}
			s.logger.Error("Backfill locator failed",
				zap.String("job_id", job.ID),
				zap.String("symbol", job.Symbol),
				zap.Error(err))
			finish(model.BackfillFailed, err.Error())
			return
		}
		if !found {
			s.logger.Warn("No historical data found for symbol",
				zap.String("job_id", job.ID),
				zap.String("symbol", job.Symbol))
			finish(model.BackfillCompleted, "")
			return
		}
		start = earliest
		s.update(job.ID, func(j *model.BackfillJob) { j.EarliestSeen = &earliest })
	}

	s.update(job.ID, func(j *model.BackfillJob) { j.Status = model.BackfillFetching })

	written, err := s.FetchRange(ctx, job.ID, job.InstrumentID, job.Symbol, start, s.now().UTC(), true)
	if err != nil {
		if ctx.Err() != nil {
			finish(model.BackfillCancelled, "")
			return
		}
		s.logger.Error("Backfill fetch failed",
			zap.String("job_id", job.ID),
			zap.String("symbol", job.Symbol),
			zap.Int64("bars_written", written),
			zap.Error(err))
		finish(model.BackfillFailed, err.Error())
		return
	}

	s.logger.Info("Backfill completed",
		zap.String("job_id", job.ID),
		zap.String("symbol", job.Symbol),
		zap.Int64("bars_written", written))
	finish(model.BackfillCompleted, "")
}

// LocateEarliest walks backward from now in probe-step increments looking
// for the earliest available candle. Each checkpoint is probed with a
// limit-1 query; a miss is re-probed over a widened range covering half a
// step before and one and a half steps after the checkpoint, so a calendar
// gap (weekend, trading halt) narrower than the step cannot stop the walk
// early. A miss on the widened probe ends the walk. The walk also stops at
// the configured maximum lookback.
func (s *BackfillService) LocateEarliest(ctx context.Context, symbol string) (time.Time, bool, error) {
	step := s.opts.ProbeStep
	now := s.now().UTC()
	floor := now.Add(-s.opts.MaxLookback)

	var earliest time.Time
	found := false

	checkpoint := now
	for {
		checkpoint = checkpoint.Add(-step)
		if checkpoint.Before(floor) {
			return earliest, found, nil
		}
		if err := ctx.Err(); err != nil {
			return earliest, found, err
		}

		bars, err := s.fetcher.GetBars(ctx, symbol, model.Timeframe1m, checkpoint, checkpoint.Add(step), 1)
		if err != nil {
			return earliest, found, fmt.Errorf("probe at %s: %w", checkpoint, err)
		}
		if len(bars) > 0 {
			earliest, found = minTime(earliest, found, bars[0].OpenTime)
			continue
		}

		wideStart := checkpoint.Add(-step / 2)
		wideEnd := checkpoint.Add(step + step/2)
		bars, err = s.fetcher.GetBars(ctx, symbol, model.Timeframe1m, wideStart, wideEnd, 1)
		if err != nil {
			return earliest, found, fmt.Errorf("widened probe at %s: %w", wideStart, err)
		}
		if len(bars) == 0 {
			return earliest, found, nil
		}
		earliest, found = minTime(earliest, found, bars[0].OpenTime)
	}
}

func minTime(current time.Time, have bool, candidate time.Time) (time.Time, bool) {
	if !have || candidate.Before(current) {
		return candidate, true
	}
	return current, true
}

// FetchRange pages 1-minute bars from start toward end, persisting each page
// through the shared ingest path. The cursor advances to one millisecond
// past the last received bar; a short page ends the run. When trackCurrent
// is set, end is refreshed to now periodically so bars produced during a
// long download are picked up in the same run. Transient fetch errors are
// retried with exponential backoff; a malformed page is dropped and skipped.
func (s *BackfillService) FetchRange(ctx context.Context, jobID string, instrumentID int, symbol string, start, end time.Time, trackCurrent bool) (int64, error) {
	cursor := start.UTC()
	end = end.UTC()
	var written int64

	pagesSinceRefresh := 0
	lastRefresh := s.now()

	for cursor.Before(end) {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		if trackCurrent && (pagesSinceRefresh >= s.opts.EndRefreshPages || s.now().Sub(lastRefresh) >= s.opts.EndRefreshAfter) {
			end = s.now().UTC()
			pagesSinceRefresh = 0
			lastRefresh = s.now()
		}

		bars, err := s.fetchPage(ctx, symbol, cursor, end)
		if err != nil {
			if errors.Is(err, client.ErrMalformedPayload) {
				// Drop the page and move past it rather than stall the job.
				skipTo := cursor.Add(time.Duration(s.opts.PageSize) * time.Minute)
				s.logger.Warn("Dropping malformed page",
					zap.String("symbol", symbol),
					zap.Time("cursor", cursor),
					zap.Time("skip_to", skipTo))
				cursor = skipTo
				pagesSinceRefresh++
				continue
			}
			return written, fmt.Errorf("fetch page at %s: %w", cursor, err)
		}

		if len(bars) == 0 {
			return written, nil
		}

		n, err := s.market.Ingest(ctx, instrumentID, bars)
		if err != nil {
			return written, fmt.Errorf("ingest page at %s: %w", cursor, err)
		}
		written += int64(n)
		last := bars[len(bars)-1].OpenTime
		cursor = last.Add(time.Millisecond)
		pagesSinceRefresh++

		s.update(jobID, func(j *model.BackfillJob) {
			c := cursor
			j.Cursor = &c
			j.BarsWritten = written
		})

		if len(bars) < s.opts.PageSize {
			return written, nil
		}
	}
	return written, nil
}

func (s *BackfillService) fetchPage(ctx context.Context, symbol string, cursor, end time.Time) ([]model.Candle, error) {
	var bars []model.Candle
	op := func() error {
		var err error
		bars, err = s.fetcher.GetBars(ctx, symbol, model.Timeframe1m, cursor, end, s.opts.PageSize)
		if err != nil {
			if errors.Is(err, client.ErrMalformedPayload) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.opts.MaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return bars, nil
}
