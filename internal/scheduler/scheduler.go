package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"driver_verification/internal/lock"
	"driver_verification/internal/metrics"
	"driver_verification/internal/model"
	"driver_verification/internal/repository"
	"driver_verification/types"
)

// LockKey is the distributed lock taken for the duration of a run.
const LockKey = "reverification-scheduler"

var (
	// ErrOverlap is returned by RunOnce when a previous run is still in
	// progress in this process.
	ErrOverlap = errors.New("reverification run already in progress")
	// ErrLocked is returned by RunOnce when another instance holds the run
	// lock.
	ErrLocked = errors.New("reverification run locked by another instance")
)

type Config struct {
	Interval time.Duration `mapstructure:"interval"`
	// ReverificationInterval is how often periodic types are rechecked
	// regardless of expiry.
	ReverificationInterval time.Duration            `mapstructure:"reverification_interval"`
	MinCheckInterval       time.Duration            `mapstructure:"min_check_interval"`
	PeriodicTypes          []model.VerificationType `mapstructure:"periodic_types"`
	LockTTL                time.Duration            `mapstructure:"lock_ttl"`
	// ConflictRetries bounds re-read-and-re-evaluate cycles per record.
	ConflictRetries int `mapstructure:"conflict_retries"`
	// BatchSize limits how many candidates one query returns. Zero means
	// no limit.
	BatchSize int `mapstructure:"batch_size"`
	// PendingTimeout is the age after which a record still pending is
	// treated as abandoned and rejected. Zero disables the sweep.
	PendingTimeout time.Duration `mapstructure:"pending_timeout"`
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive, got %s", c.Interval)
	}
	if c.MinCheckInterval < 0 {
		return fmt.Errorf("scheduler min check interval must not be negative, got %s", c.MinCheckInterval)
	}
	if len(c.PeriodicTypes) > 0 && c.ReverificationInterval <= 0 {
		return errors.New("reverification interval must be positive when periodic types are configured")
	}
	if c.LockTTL < 0 {
		return fmt.Errorf("scheduler lock ttl must not be negative, got %s", c.LockTTL)
	}
	if c.PendingTimeout < 0 {
		return fmt.Errorf("scheduler pending timeout must not be negative, got %s", c.PendingTimeout)
	}
	return nil
}

// Report summarizes one run.
type Report struct {
	Scanned   int `json:"scanned"`
	Flagged   int `json:"flagged"`
	Conflicts int `json:"conflicts"`
	// Skipped counts candidates that were no longer eligible on re-read or
	// whose flag could not be written.
	Skipped        int `json:"skipped"`
	Enqueued       int `json:"enqueued"`
	DispatchFailed int `json:"dispatch_failed"`
	// Abandoned counts pending records rejected by the pending sweep.
	Abandoned int `json:"abandoned"`
}

type Option func(*Scheduler)

func WithLocker(l lock.Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// Scheduler flags stale verification records and hands them to a
// Dispatcher. It is the only writer of the reverification fields.
type Scheduler struct {
	repo       repository.VerificationRepository
	dispatcher Dispatcher
	locker     lock.Locker
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	cfg        Config
	periodic   map[model.VerificationType]bool
	now        func() time.Time
	logger     *zap.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(repo repository.VerificationRepository, dispatcher Dispatcher, cfg Config, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if cfg.ConflictRetries < 1 {
		cfg.ConflictRetries = 3
	}

	s := &Scheduler{
		repo:       repo,
		dispatcher: dispatcher,
		cfg:        cfg,
		periodic:   make(map[model.VerificationType]bool, len(cfg.PeriodicTypes)),
		now:        time.Now,
		tracer:     otel.Tracer("driver_verification/scheduler"),
		logger:     logger,
		done:       make(chan struct{}),
	}
	for _, t := range cfg.PeriodicTypes {
		s.periodic[t] = true
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.locker != nil && cfg.LockTTL <= 0 {
		return nil, errors.New("scheduler lock ttl must be positive when a locker is configured")
	}
	return s, nil
}

// Start runs once immediately and then on every tick until ctx is cancelled
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)

	s.logger.Info("reverification scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("min_check_interval", s.cfg.MinCheckInterval),
		zap.Int("periodic_types", len(s.cfg.PeriodicTypes)))
}

// Stop cancels the loop and waits for the current run to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.RunOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrOverlap), errors.Is(err, ErrLocked):
		s.logger.Info("skipping reverification tick", zap.Error(err))
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Error("reverification run failed", zap.Error(err))
	}
}

// RunOnce scans for stale records, flags them and dispatches one
// reverification job per subject and type. Overlapping calls return
// ErrOverlap without scanning.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.ObserveSchedulerRun("overlap", 0, 0, 0)
		return Report{}, ErrOverlap
	}
	defer s.running.Store(false)

	start := s.now()
	ctx, span := s.tracer.Start(ctx, "scheduler.run")
	defer span.End()

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, LockKey, s.cfg.LockTTL)
		if err != nil {
			s.metrics.ObserveSchedulerRun("failed", 0, 0, s.now().Sub(start))
			return Report{}, fmt.Errorf("failed to acquire scheduler lock: %w", err)
		}
		if !ok {
			s.metrics.ObserveSchedulerRun("locked", 0, 0, s.now().Sub(start))
			return Report{}, ErrLocked
		}
		defer func() {
			if err := s.locker.Unlock(context.WithoutCancel(ctx), LockKey, token); err != nil {
				s.logger.Warn("failed to release scheduler lock", zap.Error(err))
			}
		}()
	}

	report, err := s.run(ctx)
	elapsed := s.now().Sub(start)

	span.SetAttributes(
		attribute.Int("scanned", report.Scanned),
		attribute.Int("flagged", report.Flagged),
		attribute.Int("conflicts", report.Conflicts),
		attribute.Int("enqueued", report.Enqueued))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.ObserveSchedulerRun("failed", report.Flagged, report.Conflicts, elapsed)
		return report, err
	}
	s.metrics.ObserveSchedulerRun("completed", report.Flagged, report.Conflicts, elapsed)

	s.logger.Info("reverification run completed",
		zap.Int("scanned", report.Scanned),
		zap.Int("flagged", report.Flagged),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("skipped", report.Skipped),
		zap.Int("enqueued", report.Enqueued),
		zap.Int("dispatch_failed", report.DispatchFailed),
		zap.Int("abandoned", report.Abandoned),
		zap.Duration("duration", elapsed))
	return report, nil
}

func (s *Scheduler) run(ctx context.Context) (Report, error) {
	var report Report
	now := s.now().UTC()

	abandoned, err := s.sweepPending(ctx, now)
	report.Abandoned = abandoned
	if err != nil {
		return report, err
	}

	candidates, err := s.candidates(ctx, now)
	if err != nil {
		return report, err
	}
	report.Scanned = len(candidates)

	type jobKey struct {
		subjectID string
		t         model.VerificationType
	}
	jobs := make(map[jobKey]*model.VerificationRecord)
	var order []jobKey

	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		flagged, conflicts, err := s.flag(ctx, candidate, now)
		report.Conflicts += conflicts
		if err != nil {
			s.logger.Warn("skipping record this cycle",
				zap.String("record_id", candidate.ID),
				zap.Int("conflicts", conflicts),
				zap.Error(err))
			report.Skipped++
			continue
		}
		if flagged == nil {
			report.Skipped++
			continue
		}
		report.Flagged++

		key := jobKey{subjectID: flagged.SubjectID, t: flagged.Type}
		if prev, ok := jobs[key]; !ok || flagged.CreatedAt.After(prev.CreatedAt) {
			if !ok {
				order = append(order, key)
			}
			jobs[key] = flagged
		}
	}

	for _, key := range order {
		record := jobs[key]
		job := model.ReverificationJob{
			RecordID:    record.ID,
			SubjectID:   record.SubjectID,
			Type:        record.Type,
			RequestedAt: now,
		}
		if err := s.dispatcher.Dispatch(ctx, job); err != nil {
			s.logger.Error("failed to dispatch reverification",
				zap.String("record_id", record.ID),
				zap.String("subject_id", record.SubjectID),
				zap.Error(err))
			report.DispatchFailed++
			s.release(ctx, record)
			continue
		}
		report.Enqueued++
	}
	return report, nil
}

// candidates returns the union of expired records and due periodic
// records, both restricted to unflagged records outside the min check
// interval.
func (s *Scheduler) candidates(ctx context.Context, now time.Time) ([]*model.VerificationRecord, error) {
	unflagged := false
	checkedBefore := now.Add(-s.cfg.MinCheckInterval)
	terminal := []model.Status{model.StatusApproved, model.StatusRejected}

	expired, err := s.repo.Find(ctx, repository.Filter{
		Statuses:               terminal,
		ExpiresBefore:          &now,
		RequiresReverification: &unflagged,
		CheckedBefore:          &checkedBefore,
		Limit:                  s.cfg.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find expired records: %w", err)
	}
	if len(s.cfg.PeriodicTypes) == 0 {
		return expired, nil
	}

	dueBefore := now.Add(-s.cfg.ReverificationInterval)
	if checkedBefore.Before(dueBefore) {
		dueBefore = checkedBefore
	}
	periodic, err := s.repo.Find(ctx, repository.Filter{
		Statuses:               terminal,
		Types:                  s.cfg.PeriodicTypes,
		RequiresReverification: &unflagged,
		CheckedBefore:          &dueBefore,
		Limit:                  s.cfg.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find periodic records: %w", err)
	}

	seen := make(map[string]bool, len(expired))
	out := make([]*model.VerificationRecord, 0, len(expired)+len(periodic))
	for _, r := range append(expired, periodic...) {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out, nil
}

// Eligible reports whether record should be flagged at now.
func (s *Scheduler) Eligible(record *model.VerificationRecord, now time.Time) bool {
	if !record.Status.Terminal() || record.RequiresReverification {
		return false
	}
	last := record.LastReverificationCheckAt
	if last != nil && !last.Before(now.Add(-s.cfg.MinCheckInterval)) {
		return false
	}
	if record.IsExpired(now) {
		return true
	}
	if !s.periodic[record.Type] {
		return false
	}
	return periodicBaseline(record).Before(now.Add(-s.cfg.ReverificationInterval))
}

// periodicBaseline is the instant the periodic interval is measured from:
// the last check, else the source response, else creation.
func periodicBaseline(record *model.VerificationRecord) time.Time {
	switch {
	case record.LastReverificationCheckAt != nil:
		return *record.LastReverificationCheckAt
	case record.ResponseTimestamp != nil:
		return *record.ResponseTimestamp
	}
	return record.CreatedAt
}

// flag marks record for reverification. On a concurrent modification it
// re-reads the record and re-evaluates eligibility. A nil record with a nil
// error means the record is no longer eligible.
func (s *Scheduler) flag(ctx context.Context, record *model.VerificationRecord, now time.Time) (*model.VerificationRecord, int, error) {
	current := record
	conflicts := 0
	for {
		if !s.Eligible(current, now) {
			return nil, conflicts, nil
		}
		next := current.Clone()
		if err := next.MarkForReverification(now); err != nil {
			return nil, conflicts, err
		}
		err := s.repo.Update(ctx, next)
		if err == nil {
			return next, conflicts, nil
		}
		if !errors.Is(err, repository.ErrConcurrentModification) {
			return nil, conflicts, err
		}
		conflicts++
		if conflicts >= s.cfg.ConflictRetries {
			return nil, conflicts, err
		}
		current, err = s.repo.GetByID(ctx, record.ID)
		if err != nil {
			return nil, conflicts, err
		}
	}
}

// sweepPending rejects records left pending longer than PendingTimeout,
// which happens when the final write of a run failed. A record modified
// concurrently is left for the next run.
func (s *Scheduler) sweepPending(ctx context.Context, now time.Time) (int, error) {
	if s.cfg.PendingTimeout <= 0 {
		return 0, nil
	}
	createdBefore := now.Add(-s.cfg.PendingTimeout)
	stale, err := s.repo.Find(ctx, repository.Filter{
		Statuses:      []model.Status{model.StatusPending},
		CreatedBefore: &createdBefore,
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to find abandoned records: %w", err)
	}

	abandoned := 0
	for _, record := range stale {
		next := record.Clone()
		next.UpdatedAt = now
		if err := next.Resolve(model.Response{
			Status:      model.StatusRejected,
			RespondedAt: now,
			Reason:      types.ReasonAbandoned,
		}); err != nil {
			continue
		}
		if err := s.repo.Update(ctx, next); err != nil {
			s.logger.Warn("failed to reject abandoned record", zap.String("record_id", record.ID), zap.Error(err))
			continue
		}
		s.logger.Warn("rejected abandoned pending record",
			zap.String("record_id", record.ID),
			zap.String("subject_id", record.SubjectID),
			zap.String("type", string(record.Type)),
			zap.Time("created_at", record.CreatedAt))
		abandoned++
	}
	return abandoned, nil
}

// release clears the flag of a record whose job could not be dispatched.
// The check timestamp is kept, so the record is retried once the min check
// interval has passed.
func (s *Scheduler) release(ctx context.Context, record *model.VerificationRecord) {
	next := record.Clone()
	next.RequiresReverification = false
	if err := s.repo.Update(context.WithoutCancel(ctx), next); err != nil {
		s.logger.Error("failed to release reverification flag", zap.String("record_id", record.ID), zap.Error(err))
	}
}
