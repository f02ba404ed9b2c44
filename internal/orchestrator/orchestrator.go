// Package orchestrator drives the upstream calls behind one browser
// submission: create the entity, attach its binary, and compensate when the
// second step fails after the first succeeded.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/shelfgate/config"
	"github.com/mohammad-safakhou/shelfgate/internal/idempotency"
	"github.com/mohammad-safakhou/shelfgate/internal/telemetry"
	"github.com/mohammad-safakhou/shelfgate/internal/upstream"
	"github.com/mohammad-safakhou/shelfgate/internal/validate"
)

// Upstream is the subset of the upstream client the orchestrator drives.
type Upstream interface {
	CreateEntity(ctx context.Context, path string, payload any, idemKey string) (upstream.EntityRef, error)
	AttachBinary(ctx context.Context, path string, file upstream.Attachment) error
	UpdateEntity(ctx context.Context, path string, payload any) error
	DeleteEntity(ctx context.Context, path string) error
}

// Attachment is a staged binary owned by the orchestration.
type Attachment interface {
	upstream.Attachment
	Discard() error
}

// Draft is one submission.
type Draft struct {
	Kind   Kind
	Fields map[string]string
	// Attachment is optional; it is discarded when the orchestration ends.
	Attachment     Attachment
	IdempotencyKey string
}

type Orchestrator struct {
	up           Upstream
	store        *idempotency.Store
	compensation string
	retries      int
	retryBackoff time.Duration
	metrics      *telemetry.Metrics
	logger       *slog.Logger
	tracer       trace.Tracer
}

type Option func(*Orchestrator)

// WithStore enables idempotent creates.
func WithStore(s *idempotency.Store) Option     { return func(o *Orchestrator) { o.store = s } }
func WithMetrics(m *telemetry.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }
func WithLogger(l *slog.Logger) Option        { return func(o *Orchestrator) { o.logger = l } }
func WithTracer(t trace.Tracer) Option        { return func(o *Orchestrator) { o.tracer = t } }

func New(cfg config.OrchestratorConfig, up Upstream, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		up:           up,
		compensation: cfg.Compensation,
		retries:      cfg.CreateRetries,
		retryBackoff: cfg.RetryBackoff,
		logger:       slog.Default(),
		tracer:       telemetry.Tracer("orchestrator"),
	}
	if o.compensation == "" {
		o.compensation = CompensationDelete
	}
	if o.retryBackoff <= 0 {
		o.retryBackoff = 200 * time.Millisecond
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Create runs create then attach. The returned error covers failures before
// any upstream call (bad input, duplicate submission, store errors); upstream
// outcomes are reported through the Result.
func (o *Orchestrator) Create(ctx context.Context, d Draft) (res Result, err error) {
	// a client disconnect must not abandon a half-finished orchestration
	ctx = context.WithoutCancel(ctx)
	defer discard(o.logger, d.Attachment)

	key := d.IdempotencyKey
	if key == "" {
		key = idempotency.NewKey()
	}
	ctx, span := o.tracer.Start(ctx, "orchestrator.create", trace.WithAttributes(
		attribute.String("kind", d.Kind.Name),
		attribute.String("idempotency_key", key),
	))
	defer func() { o.finish(span, d.Kind, "create", key, res, err) }()

	payload, err := d.Kind.Payload(d.Fields)
	if err != nil {
		return Result{}, err
	}

	if o.store != nil {
		prior, err := o.store.Begin(ctx, d.Kind.Name, key)
		if errors.Is(err, idempotency.ErrInvalidKey) {
			return Result{}, &validate.FieldError{Field: FieldIdempotencyKey, Reason: "is malformed"}
		}
		if err != nil {
			return Result{}, err
		}
		if prior != nil {
			return replay(prior)
		}
	}

	ref, err := o.createWithRetry(ctx, d.Kind, payload, key)
	if err != nil {
		o.release(ctx, d.Kind, key)
		return Result{Outcome: EntityCreateFailed, Cause: err}, nil
	}

	if d.Attachment != nil && d.Kind.HasPhoto() {
		if aerr := o.up.AttachBinary(ctx, d.Kind.Photo(int64(ref)), d.Attachment); aerr != nil {
			res := o.compensate(ctx, d.Kind, ref, aerr)
			if res.Compensated {
				// nothing is left upstream, so the token may be reused
				o.release(ctx, d.Kind, key)
			} else {
				o.record(ctx, d.Kind, key, idempotency.Record{
					State:        idempotency.StatePartial,
					Ref:          int64(ref),
					Message:      aerr.Error(),
					Compensation: res.Compensation,
				})
			}
			return res, nil
		}
	}

	o.record(ctx, d.Kind, key, idempotency.Record{State: idempotency.StateSucceeded, Ref: int64(ref)})
	return Result{Outcome: Success, Ref: ref}, nil
}

func replay(prior *idempotency.Record) (Result, error) {
	switch prior.State {
	case idempotency.StateSucceeded:
		return Result{Outcome: Success, Ref: upstream.EntityRef(prior.Ref), Replayed: true}, nil
	case idempotency.StatePartial:
		mode := prior.Compensation
		if mode == "" {
			mode = CompensationReport
		}
		return Result{
			Outcome:      SubResourceAttachFailed,
			Ref:          upstream.EntityRef(prior.Ref),
			Cause:        errors.New(prior.Message),
			Compensation: mode,
			Replayed:     true,
		}, nil
	default:
		return Result{}, ErrDuplicateSubmission
	}
}

func (o *Orchestrator) createWithRetry(ctx context.Context, kind Kind, payload map[string]any, key string) (upstream.EntityRef, error) {
	var ref upstream.EntityRef
	attempt := 0
	op := func() error {
		attempt++
		r, err := o.up.CreateEntity(ctx, kind.CreatePath, payload, key)
		if err == nil {
			ref = r
			return nil
		}
		// only connection-level failures are retried; the shared token keeps
		// a retry from creating a second entity
		if !upstream.IsTransport(err) {
			return backoff.Permanent(err)
		}
		o.logger.Warn("create attempt failed", "kind", kind.Name, "attempt", attempt, "err", err)
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.retryBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(o.retries, 0))), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return 0, err
	}
	return ref, nil
}

func (o *Orchestrator) compensate(ctx context.Context, kind Kind, ref upstream.EntityRef, cause error) Result {
	res := Result{Outcome: SubResourceAttachFailed, Ref: ref, Cause: cause, Compensation: o.compensation}
	if o.compensation != CompensationDelete {
		o.logger.Warn("attachment failed, entity kept", "kind", kind.Name, "entity_id", ref, "err", cause)
		return res
	}
	if err := o.up.DeleteEntity(ctx, kind.Item(int64(ref))); err != nil {
		res.CompensationErr = err
		o.metrics.Compensation(kind.Name, "failed")
		o.logger.Error("compensating delete failed", "kind", kind.Name, "entity_id", ref, "err", err, "cause", cause)
		return res
	}
	res.Compensated = true
	o.metrics.Compensation(kind.Name, "deleted")
	o.logger.Warn("attachment failed, entity deleted", "kind", kind.Name, "entity_id", ref, "err", cause)
	return res
}

// Update writes the fields of an existing entity, then attaches a new binary
// when one was staged. An attach failure leaves the entity as updated.
func (o *Orchestrator) Update(ctx context.Context, id int64, d Draft) (res Result, err error) {
	ctx = context.WithoutCancel(ctx)
	defer discard(o.logger, d.Attachment)

	ctx, span := o.tracer.Start(ctx, "orchestrator.update", trace.WithAttributes(
		attribute.String("kind", d.Kind.Name),
		attribute.Int64("entity_id", id),
	))
	defer func() { o.finish(span, d.Kind, "update", "", res, err) }()

	payload, err := d.Kind.Payload(d.Fields)
	if err != nil {
		return Result{}, err
	}
	ref := upstream.EntityRef(id)
	if err := o.up.UpdateEntity(ctx, d.Kind.Item(id), payload); err != nil {
		return Result{Outcome: EntityUpdateFailed, Ref: ref, Cause: err}, nil
	}
	if d.Attachment != nil && d.Kind.HasPhoto() {
		if aerr := o.up.AttachBinary(ctx, d.Kind.Photo(id), d.Attachment); aerr != nil {
			return Result{Outcome: SubResourceAttachFailed, Ref: ref, Cause: aerr, Compensation: CompensationNone}, nil
		}
	}
	return Result{Outcome: Success, Ref: ref}, nil
}

// Delete removes one entity.
func (o *Orchestrator) Delete(ctx context.Context, kind Kind, id int64) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.delete", trace.WithAttributes(
		attribute.String("kind", kind.Name),
		attribute.Int64("entity_id", id),
	))
	defer span.End()
	if err := o.up.DeleteEntity(ctx, kind.Item(id)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.Orchestration(kind.Name, "delete", "failed")
		return fmt.Errorf("delete %s %d: %w", kind.Name, id, err)
	}
	o.metrics.Orchestration(kind.Name, "delete", Success.String())
	return nil
}

func (o *Orchestrator) release(ctx context.Context, kind Kind, key string) {
	if o.store == nil {
		return
	}
	if err := o.store.Abandon(ctx, kind.Name, key); err != nil {
		o.logger.Warn("idempotency release failed", "kind", kind.Name, "err", err)
	}
}

func (o *Orchestrator) record(ctx context.Context, kind Kind, key string, rec idempotency.Record) {
	if o.store == nil {
		return
	}
	if err := o.store.Finish(ctx, kind.Name, key, rec); err != nil {
		o.logger.Warn("idempotency record failed", "kind", kind.Name, "state", rec.State, "err", err)
	}
}

func (o *Orchestrator) finish(span trace.Span, kind Kind, op, key string, res Result, err error) {
	defer span.End()
	outcome := res.Outcome.String()
	if err != nil {
		outcome = "rejected"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if res.Outcome != Success {
		span.RecordError(res.Cause)
		span.SetStatus(codes.Error, res.Outcome.String())
	}
	o.metrics.Orchestration(kind.Name, op, outcome)
	span.SetAttributes(attribute.String("outcome", outcome))
	if res.Ref != 0 {
		span.SetAttributes(attribute.Int64("entity_id", int64(res.Ref)))
	}
	if res.Replayed {
		span.SetAttributes(attribute.Bool("replayed", true))
	}

	attrs := []any{"kind", kind.Name, "op", op, "outcome", outcome}
	if res.Ref != 0 {
		attrs = append(attrs, "entity_id", int64(res.Ref))
	}
	if key != "" {
		attrs = append(attrs, "idempotency_key", key)
	}
	if res.Replayed {
		attrs = append(attrs, "replayed", true)
	}
	switch {
	case err != nil:
		o.logger.Info("orchestration rejected", append(attrs, "err", err)...)
	case res.Outcome == Success:
		o.logger.Info("orchestration finished", attrs...)
	case res.Outcome == SubResourceAttachFailed:
		o.logger.Warn("orchestration incomplete", append(attrs, "compensation", res.Compensation, "compensated", res.Compensated, "err", res.Cause)...)
	default:
		o.logger.Warn("orchestration failed", append(attrs, "err", res.Cause)...)
	}
}

func discard(logger *slog.Logger, a Attachment) {
	if a == nil {
		return
	}
	if err := a.Discard(); err != nil {
		logger.Warn("staged upload not removed", "file", a.FileName(), "err", err)
	}
}
