// Package pipeline holds the asynchronous chat workers: message ingestion,
// delivery reconciliation, read receipts, unread aggregation and the
// notification/moderation hooks.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/suPer8Hu/marketplace-chat/internal/broadcast"
	"github.com/suPer8Hu/marketplace-chat/internal/chat"
	"github.com/suPer8Hu/marketplace-chat/internal/identity"
	"github.com/suPer8Hu/marketplace-chat/internal/jobs"
	"github.com/suPer8Hu/marketplace-chat/internal/kv"
	"github.com/suPer8Hu/marketplace-chat/internal/otelutil"
	"github.com/suPer8Hu/marketplace-chat/internal/presence"
)

const (
	appendRetries      = 3
	appendBackoff      = 100 * time.Millisecond
	fanoutRetries      = 3
	receiptRetries     = 2
	activityTTL        = time.Hour
	sendFailureMessage = "Failed to send message"
)

type Options struct {
	DeliveryRetryDelay time.Duration
	// DeliveryMaxWait > 0 stops rescheduling once a message is older than it.
	DeliveryMaxWait   time.Duration
	ReadMarkerTTL     time.Duration
	ModerationEnabled bool
}

type Deps struct {
	Repo        *chat.Repo
	Resolver    *identity.Resolver
	Presence    *presence.Tracker
	Broadcaster *broadcast.Broadcaster
	Store       kv.Store
	Queue       jobs.Queue
	Notifier    Notifier
	Moderator   Moderator
	Logger      zerolog.Logger
}

type Pipeline struct {
	repo        *chat.Repo
	resolver    *identity.Resolver
	presence    *presence.Tracker
	broadcaster *broadcast.Broadcaster
	store       kv.Store
	queue       jobs.Queue
	notifier    Notifier
	moderator   Moderator
	opts        Options
	logger      zerolog.Logger
	tracer      trace.Tracer

	now   func() time.Time
	sleep func(context.Context, time.Duration)
}

func New(d Deps, opts Options) *Pipeline {
	if opts.DeliveryRetryDelay <= 0 {
		opts.DeliveryRetryDelay = 30 * time.Second
	}
	if opts.ReadMarkerTTL <= 0 {
		opts.ReadMarkerTTL = 7 * 24 * time.Hour
	}
	p := &Pipeline{
		repo:        d.Repo,
		resolver:    d.Resolver,
		presence:    d.Presence,
		broadcaster: d.Broadcaster,
		store:       d.Store,
		queue:       d.Queue,
		notifier:    d.Notifier,
		moderator:   d.Moderator,
		opts:        opts,
		logger:      d.Logger,
		tracer:      otelutil.Tracer(),
		now:         time.Now,
		sleep:       sleepCtx,
	}
	if p.notifier == nil {
		p.notifier = LogNotifier{Logger: d.Logger}
	}
	if p.moderator == nil {
		p.moderator = LogModerator{Logger: d.Logger}
	}
	return p
}

// Register wires every handler into pool with its retry policy.
func (p *Pipeline) Register(pool *jobs.Pool) {
	pool.Register(jobs.KindIngestMessage, p.traced(jobs.KindIngestMessage, p.Ingest), jobs.Once)
	pool.Register(jobs.KindDeliverMessage, p.traced(jobs.KindDeliverMessage, p.ReconcileDelivery), jobs.Once)
	pool.Register(jobs.KindReadReceipt, p.traced(jobs.KindReadReceipt, p.ProcessReadReceipt), jobs.Policy{
		MaxAttempts: 2,
		Backoff:     jobs.Exponential(time.Second),
	})
	pool.Register(jobs.KindUnreadCounts, p.traced(jobs.KindUnreadCounts, p.UpdateUnreadCounts), jobs.Policy{
		MaxAttempts: 3,
		Backoff:     jobs.Exponential(time.Second),
	})
	pool.Register(jobs.KindNotifyOffline, p.traced(jobs.KindNotifyOffline, p.NotifyOffline), jobs.Once)
	pool.Register(jobs.KindModerateContent, p.traced(jobs.KindModerateContent, p.Moderate), jobs.Once)
}

func (p *Pipeline) traced(kind jobs.Kind, h jobs.Handler) jobs.Handler {
	name := "pipeline." + string(kind)
	return func(ctx context.Context, j jobs.Job) error {
		ctx, span := p.tracer.Start(ctx, name, trace.WithAttributes(
			attribute.String("job.id", j.ID),
			attribute.Int("job.attempt", j.Attempt),
		))
		defer span.End()
		err := h(ctx, j)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

// Enqueue helpers used by the socket layer.

func (p *Pipeline) EnqueueIngest(ctx context.Context, in IngestPayload) error {
	return p.enqueue(ctx, jobs.KindIngestMessage, in)
}

func (p *Pipeline) EnqueueReadReceipt(ctx context.Context, in ReadReceiptPayload) error {
	return p.enqueue(ctx, jobs.KindReadReceipt, in)
}

func (p *Pipeline) enqueue(ctx context.Context, kind jobs.Kind, payload any) error {
	j, err := jobs.New(kind, payload)
	if err != nil {
		return err
	}
	return p.queue.Enqueue(ctx, j)
}

func (p *Pipeline) enqueueIn(ctx context.Context, kind jobs.Kind, payload any, delay time.Duration) error {
	j, err := jobs.New(kind, payload)
	if err != nil {
		return err
	}
	return p.queue.EnqueueIn(ctx, j, delay)
}

// bestEffort runs fn and only logs a failure. Used for side effects that may
// fail without affecting the caller.
func (p *Pipeline) bestEffort(what string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Str("step", what).Interface("panic", r).Msg("best-effort step panicked")
		}
	}()
	if err := fn(); err != nil {
		p.logger.Warn().Err(err).Str("step", what).Msg("best-effort step failed")
	}
}

func decode(j jobs.Job, v any) error {
	if err := j.Decode(v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Kind, err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
