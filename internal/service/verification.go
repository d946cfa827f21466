package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"driver_verification/internal/metrics"
	"driver_verification/internal/model"
	"driver_verification/internal/repository"
	"driver_verification/internal/retry"
	"driver_verification/internal/scoring"
	"driver_verification/internal/source"
	"driver_verification/internal/validation"
	"driver_verification/types"
)

var (
	// ErrSuperseded is the cancellation cause of a run replaced by a newer
	// request for the same subject.
	ErrSuperseded     = errors.New("verification superseded by a newer request")
	ErrInvalidRequest = errors.New("invalid verification request")
)

type VerificationService interface {
	// Verify checks subjectID against every requested type concurrently and
	// writes the aggregate status to the driver read model.
	Verify(ctx context.Context, subjectID string, requestedTypes []model.VerificationType, contextData map[string]string) (*model.AggregateResult, error)
	// Reverify reruns one type with the request context of its latest
	// record and recomputes the aggregate.
	Reverify(ctx context.Context, job model.ReverificationJob) (*model.AggregateResult, error)
	Records(ctx context.Context, subjectID string) ([]*model.VerificationRecord, error)
}

type Scorer interface {
	Compute(in scoring.Input) (*scoring.Result, error)
}

type Notifier interface {
	PublishVerificationCompleted(ctx context.Context, result *model.AggregateResult) error
}

type Config struct {
	Retry  retry.Policy
	Expiry map[model.VerificationType]time.Duration
	// ConflictRetries bounds re-read-and-reapply cycles on
	// ErrConcurrentModification.
	ConflictRetries int
}

type Option func(*verificationService)

func WithNotifier(n Notifier) Option {
	return func(s *verificationService) { s.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *verificationService) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *verificationService) { s.now = now }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *verificationService) { s.tracer = t }
}

type inflightRun struct {
	cancel context.CancelCauseFunc
	// verificationType is empty for full Verify runs.
	verificationType model.VerificationType
}

type verificationService struct {
	repo     repository.VerificationRepository
	drivers  repository.DriverRepository
	sources  *source.Registry
	scorer   Scorer
	notifier Notifier
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger

	mu       sync.Mutex
	seq      uint64
	inflight map[string]map[uint64]inflightRun
}

func NewVerificationService(
	repo repository.VerificationRepository,
	drivers repository.DriverRepository,
	sources *source.Registry,
	scorer Scorer,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) (VerificationService, error) {
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if scorer == nil {
		return nil, errors.New("scorer is required")
	}
	if cfg.ConflictRetries < 1 {
		cfg.ConflictRetries = 3
	}

	s := &verificationService{
		repo:     repo,
		drivers:  drivers,
		sources:  sources,
		scorer:   scorer,
		cfg:      cfg,
		now:      time.Now,
		tracer:   otel.Tracer("driver_verification/service"),
		logger:   logger,
		inflight: make(map[string]map[uint64]inflightRun),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *verificationService) Verify(ctx context.Context, subjectID string, requestedTypes []model.VerificationType, contextData map[string]string) (*model.AggregateResult, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subject id cannot be empty", ErrInvalidRequest)
	}
	typesToRun := dedupe(requestedTypes)
	if len(typesToRun) == 0 {
		return nil, fmt.Errorf("%w: at least one verification type must be requested", ErrInvalidRequest)
	}

	ctx, span := s.tracer.Start(ctx, "verification.verify",
		trace.WithAttributes(attribute.String("subject_id", subjectID), attribute.Int("types", len(typesToRun))))
	defer span.End()

	runCtx, done := s.startRun(ctx, subjectID, "")
	defer done()

	outcomes := make([]model.TypeOutcome, len(typesToRun))
	var g errgroup.Group
	for i, t := range typesToRun {
		g.Go(func() error {
			outcome, err := s.verifyType(runCtx, subjectID, t, contextData)
			if err != nil {
				return err
			}
			outcomes[i] = outcome
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result := &model.AggregateResult{
		SubjectID: subjectID,
		Status:    model.Aggregate(outcomes),
		Outcomes:  outcomes,
	}
	for _, o := range outcomes {
		if o.Unsupported {
			result.Skipped = append(result.Skipped, o.Type)
		}
	}
	span.SetAttributes(attribute.String("aggregate_status", string(result.Status)))

	return s.publish(ctx, runCtx, result)
}

func (s *verificationService) Reverify(ctx context.Context, job model.ReverificationJob) (*model.AggregateResult, error) {
	ctx, span := s.tracer.Start(ctx, "verification.reverify",
		trace.WithAttributes(attribute.String("subject_id", job.SubjectID), attribute.String("type", string(job.Type))))
	defer span.End()

	records, err := s.repo.ListBySubject(ctx, job.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list records for %s: %w", job.SubjectID, err)
	}
	latest := latestByType(records)
	previous, ok := latest[job.Type]
	if !ok {
		return nil, fmt.Errorf("no %s record for subject %s: %w", job.Type, job.SubjectID, repository.ErrNotFound)
	}

	s.logger.Info("reverifying",
		zap.String("subject_id", job.SubjectID),
		zap.String("type", string(job.Type)),
		zap.String("previous_record_id", previous.ID))

	runCtx, done := s.startRun(ctx, job.SubjectID, job.Type)
	defer done()

	outcome, err := s.verifyType(runCtx, job.SubjectID, job.Type, previous.Audit.Request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Every other type keeps the outcome of its latest record. An expired
	// approval no longer counts as approved.
	now := s.now()
	outcomes := []model.TypeOutcome{outcome}
	for _, t := range model.AllVerificationTypes {
		r, ok := latest[t]
		if !ok || t == job.Type {
			continue
		}
		outcomes = append(outcomes, model.TypeOutcome{Type: t, Status: r.EffectiveStatus(now), RecordID: r.ID, Reason: r.Audit.Reason})
	}

	result := &model.AggregateResult{
		SubjectID: job.SubjectID,
		Status:    model.Aggregate(outcomes),
		Outcomes:  outcomes,
	}
	return s.publish(ctx, runCtx, result)
}

func (s *verificationService) Records(ctx context.Context, subjectID string) ([]*model.VerificationRecord, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subject id cannot be empty", ErrInvalidRequest)
	}
	records, err := s.repo.ListBySubject(ctx, subjectID)
	if err != nil {
		s.logger.Error("failed to list verification records", zap.Error(err), zap.String("subject_id", subjectID))
		return nil, fmt.Errorf("failed to list verification records: %w", err)
	}
	return records, nil
}

// publish writes the aggregate to the driver read model and emits the
// completion event. A cancelled or superseded run writes neither.
func (s *verificationService) publish(ctx, runCtx context.Context, result *model.AggregateResult) (*model.AggregateResult, error) {
	if cause := context.Cause(runCtx); cause != nil {
		s.logger.Info("verification run ended early",
			zap.String("subject_id", result.SubjectID),
			zap.String("aggregate_status", string(result.Status)),
			zap.Error(cause))
		return result, cause
	}

	store := context.WithoutCancel(ctx)
	if err := s.drivers.SetAggregateVerificationStatus(store, result.SubjectID, result.Status); err != nil {
		return nil, fmt.Errorf("failed to store aggregate status: %w", err)
	}
	s.metrics.ObserveAggregate(string(result.Status))

	if s.notifier != nil {
		if err := s.notifier.PublishVerificationCompleted(store, result); err != nil {
			s.logger.Error("failed to publish verification completed", zap.Error(err), zap.String("subject_id", result.SubjectID))
		}
	}

	s.logger.Info("verification completed",
		zap.String("subject_id", result.SubjectID),
		zap.String("aggregate_status", string(result.Status)),
		zap.Int("types", len(result.Outcomes)),
		zap.Int("skipped", len(result.Skipped)))
	return result, nil
}

// startRun cancels runs this one supersedes and registers a cancellable
// context for it. A full run supersedes everything for the subject; a
// single-type run supersedes earlier runs of the same type only.
func (s *verificationService) startRun(ctx context.Context, subjectID string, t model.VerificationType) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)

	s.mu.Lock()
	runs := s.inflight[subjectID]
	if runs == nil {
		runs = make(map[uint64]inflightRun)
		s.inflight[subjectID] = runs
	}
	for id, r := range runs {
		if t == "" || r.verificationType == t {
			r.cancel(ErrSuperseded)
			delete(runs, id)
		}
	}
	s.seq++
	id := s.seq
	runs[id] = inflightRun{cancel: cancel, verificationType: t}
	s.mu.Unlock()

	return runCtx, func() {
		s.mu.Lock()
		if runs, ok := s.inflight[subjectID]; ok {
			delete(runs, id)
			if len(runs) == 0 {
				delete(s.inflight, subjectID)
			}
		}
		s.mu.Unlock()
		cancel(nil)
	}
}

// verifyType runs one type to a terminal record. Source failures are
// absorbed into the record; only persistence failures are returned.
func (s *verificationService) verifyType(ctx context.Context, subjectID string, t model.VerificationType, contextData map[string]string) (model.TypeOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "verification.source",
		trace.WithAttributes(attribute.String("subject_id", subjectID), attribute.String("type", string(t))))
	defer span.End()

	log := s.logger.With(zap.String("subject_id", subjectID), zap.String("type", string(t)))

	adapter, err := s.sources.Resolve(t)
	if err != nil {
		log.Warn("no verification source configured, skipping")
		return model.TypeOutcome{Type: t, Unsupported: true, Reason: "no source configured"}, nil
	}

	// Writes outlive cancellation so every record reaches a terminal state.
	store := context.WithoutCancel(ctx)

	record := model.NewPendingRecord(subjectID, t, adapter.Name(), contextData, s.now().UTC())
	if err := s.repo.Create(store, record); err != nil {
		return model.TypeOutcome{}, fmt.Errorf("failed to create %s record: %w", t, err)
	}
	span.SetAttributes(attribute.String("record_id", record.ID))

	req := source.Request{SubjectID: subjectID, Type: t, Context: contextData}
	var (
		result  *source.Result
		latency time.Duration
	)
	attempts, callErr := s.cfg.Retry.Do(ctx, source.IsTransient, func(ctx context.Context, attempt int) error {
		start := s.now()
		res, err := adapter.Verify(ctx, req)
		latency = s.now().Sub(start)
		if err == nil && res == nil {
			err = source.NewSourceError(source.ErrorBadData, adapter.Name(), "empty result", nil)
		}
		if err != nil {
			s.metrics.ObserveSourceCall(string(t), string(source.CategoryOf(err)), latency)
			log.Warn("verification source call failed",
				zap.Int("attempt", attempt),
				zap.String("category", string(source.CategoryOf(err))),
				zap.Bool("transient", source.IsTransient(err)),
				zap.Error(err))
			if source.IsTransient(err) && attempt < s.cfg.Retry.MaxAttempts {
				s.recordAttempt(store, record, attempt, err)
			}
			return err
		}
		s.metrics.ObserveSourceCall(string(t), "ok", latency)
		result = res
		return nil
	})

	resp := model.Response{
		RespondedAt:  s.now(),
		Latency:      latency,
		ExpiresAfter: s.cfg.Expiry[t],
	}
	audit := types.AuditPayload{Attempts: attempts}

	switch {
	case callErr == nil:
		resp.Status = result.Outcome.Status()
		resp.RawResponse = result.RawResponse
		audit.Confidence = result.Confidence
		if resp.Status == model.StatusApproved && scorable(t) && result.Signals.Scorable() {
			s.attachScore(&audit, result.Signals, log)
		}
	case context.Cause(ctx) != nil && errors.Is(callErr, context.Cause(ctx)):
		resp.Status = model.StatusRejected
		resp.Reason = types.ReasonCancelled
		if errors.Is(callErr, ErrSuperseded) {
			resp.Reason = types.ReasonSuperseded
		}
		audit.LastError = callErr.Error()
	case source.IsTransient(callErr):
		resp.Status = model.StatusRejected
		resp.Reason = types.ReasonSourceUnavailable
		audit.LastError = callErr.Error()
	default:
		resp.Status = model.StatusRejected
		resp.Reason = types.ReasonSourceRejected
		audit.LastError = callErr.Error()
	}

	err = s.update(store, record, func(r *model.VerificationRecord) error {
		r.Audit.Attempts = audit.Attempts
		r.Audit.Confidence = audit.Confidence
		r.Audit.Score = audit.Score
		r.Audit.ScoreError = audit.ScoreError
		r.Audit.LastError = audit.LastError
		r.UpdatedAt = s.now().UTC()
		return r.Resolve(resp)
	})
	if err != nil {
		span.RecordError(err)
		log.Error("verification record left pending",
			zap.String("record_id", record.ID),
			zap.String("intended_status", string(resp.Status)),
			zap.Error(err))
		return model.TypeOutcome{}, fmt.Errorf("failed to resolve %s record %s: %w", t, record.ID, err)
	}
	s.metrics.ObserveResolved(string(t), string(record.Status))
	span.SetAttributes(attribute.String("status", string(record.Status)))

	log.Info("verification record resolved",
		zap.String("record_id", record.ID),
		zap.String("status", string(record.Status)),
		zap.String("reason", record.Audit.Reason),
		zap.Int("attempts", attempts),
		zap.Int64("latency_ms", record.ResponseLatencyMs))

	if record.Status == model.StatusApproved && t == model.VerificationTypeIdentityNumber {
		if number := contextData[validation.KeyIdentityNumber]; number != "" {
			if err := s.drivers.SyncIdentityNumber(store, subjectID, number); err != nil {
				log.Error("failed to sync identity number", zap.Error(err))
			}
		}
	}

	return model.TypeOutcome{
		Type:     t,
		Status:   record.Status,
		RecordID: record.ID,
		Reason:   record.Audit.Reason,
	}, nil
}

// recordAttempt notes a failed attempt on the pending record. Failures are
// logged only; the final resolution carries the same information.
func (s *verificationService) recordAttempt(ctx context.Context, record *model.VerificationRecord, attempt int, callErr error) {
	err := s.update(ctx, record, func(r *model.VerificationRecord) error {
		r.Audit.Attempts = attempt
		r.Audit.LastError = callErr.Error()
		r.UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to record attempt", zap.Error(err), zap.String("record_id", record.ID))
	}
}

func (s *verificationService) attachScore(audit *types.AuditPayload, signals *source.Signals, log *zap.Logger) {
	score, err := s.scorer.Compute(scoring.Input{
		OCRResults:       signals.OCRResults,
		FaceMatchScore:   signals.FaceMatchScore,
		ValidationScores: signals.ValidationScores,
	})
	if err != nil {
		log.Error("failed to compute composite score", zap.Error(err))
		audit.ScoreError = err.Error()
		return
	}
	audit.Score = score
	s.metrics.ObserveCompositeScore(score.CompositeScore)
}

// update applies mutate and persists the record, re-reading and reapplying
// on concurrent modification up to cfg.ConflictRetries times.
func (s *verificationService) update(ctx context.Context, record *model.VerificationRecord, mutate func(*model.VerificationRecord) error) error {
	current := record
	for attempt := 1; ; attempt++ {
		next := current.Clone()
		if err := mutate(next); err != nil {
			return err
		}
		err := s.repo.Update(ctx, next)
		if err == nil {
			*record = *next
			return nil
		}
		if !errors.Is(err, repository.ErrConcurrentModification) || attempt >= s.cfg.ConflictRetries {
			return err
		}
		s.logger.Warn("concurrent modification, retrying", zap.String("record_id", record.ID), zap.Int("attempt", attempt))
		current, err = s.repo.GetByID(ctx, record.ID)
		if err != nil {
			return err
		}
	}
}

func scorable(t model.VerificationType) bool {
	return t == model.VerificationTypeIdentityNumber || t == model.VerificationTypeDocumentMatch
}

func dedupe(in []model.VerificationType) []model.VerificationType {
	seen := make(map[model.VerificationType]bool, len(in))
	out := make([]model.VerificationType, 0, len(in))
	for _, t := range in {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// latestByType picks the newest record per type from a newest-first list.
func latestByType(records []*model.VerificationRecord) map[model.VerificationType]*model.VerificationRecord {
	latest := make(map[model.VerificationType]*model.VerificationRecord)
	for _, r := range records {
		if _, ok := latest[r.Type]; !ok {
			latest[r.Type] = r
		}
	}
	return latest
}
