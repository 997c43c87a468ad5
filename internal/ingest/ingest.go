// Package ingest implements the Event Ingestor (§4.1): signature
// verification, envelope parsing, dedup-insert of the RawEvent row, and
// dispatch to the per-type processor registry. It is the single converging
// entry point that ties together internal/provider, internal/store,
// internal/processors, internal/entitlement, and internal/cache.
//
// Grounded on volaticloud's internal/billing/webhook.go NewWebhookHandler:
// same verify → parse → switch-on-type → log-and-respond shape, widened
// with the dedup and response-policy rules §4.1 adds on top.
package ingest

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/entroline/entroline/internal/cache"
	"github.com/entroline/entroline/internal/logger"
	"github.com/entroline/entroline/internal/processors"
	"github.com/entroline/entroline/internal/provider"
	"github.com/entroline/entroline/internal/resultkind"
	"github.com/entroline/entroline/internal/store"
)

// Ingestor wires the collaborators named in §2's data-flow description.
type Ingestor struct {
	store         *store.Store
	cache         *cache.Coordinator
	registry      map[string]processors.Func
	deps          processors.Deps
	signingSecret string
	skewTolerance time.Duration
}

// New builds an Ingestor. registry is typically processors.NewRegistry();
// a caller may pass a narrower map in tests.
func New(st *store.Store, c *cache.Coordinator, registry map[string]processors.Func, deps processors.Deps, signingSecret string, skewTolerance time.Duration) *Ingestor {
	return &Ingestor{
		store:         st,
		cache:         c,
		registry:      registry,
		deps:          deps,
		signingSecret: signingSecret,
		skewTolerance: skewTolerance,
	}
}

// Outcome reports what HandleWebhook decided, for the HTTP boundary to map
// to a status code and for tests to assert on without parsing responses.
type Outcome struct {
	StatusCode int
	Duplicate  bool
}

// HandleWebhook implements §4.1's full contract end to end, returning the
// HTTP status code the caller should reply with. now is passed explicitly
// rather than read from time.Now so tests can exercise skew and window
// boundaries deterministically.
func (i *Ingestor) HandleWebhook(ctx context.Context, body []byte, signatureHeader string, now time.Time) Outcome {
	log := logger.GetLogger(ctx)

	if err := provider.VerifySignature(signatureHeader, body, i.signingSecret, i.skewTolerance, now); err != nil {
		log.Warn("webhook signature rejected", zap.Error(err))
		return Outcome{StatusCode: 401}
	}

	env, err := provider.ParseEnvelope(body)
	if err != nil {
		log.Warn("webhook envelope malformed", zap.Error(err))
		return Outcome{StatusCode: 400}
	}

	raw, inserted, err := i.store.InsertPendingRawEvent(ctx, store.RawEvent{
		ProviderEventID: env.ID,
		EventType:       string(env.Type),
		Payload:         body,
		ReceivedAt:      now,
	})
	if err != nil {
		log.Error("raw event dedup-insert failed", zap.String("event_id", env.ID), zap.Error(err))
		return Outcome{StatusCode: 503}
	}
	if !inserted {
		switch raw.ProcessingOutcome {
		case store.OutcomeSucceeded, store.OutcomeFailedPermanent:
			return Outcome{StatusCode: 200, Duplicate: true}
		default:
			// pending or failed_transient: treat as a retry and fall through
			// to dispatch; the processor must be idempotent.
		}
	}

	proc, ok := i.registry[string(env.Type)]
	if !ok {
		if err := i.store.MarkRawEventOutcome(ctx, nil, env.ID, store.OutcomeSucceeded, "", now); err != nil {
			log.Warn("failed marking unknown event type acknowledged", zap.String("event_id", env.ID), zap.Error(err))
		}
		log.Info("webhook event type unhandled", zap.String("event_type", string(env.Type)))
		return Outcome{StatusCode: 200}
	}

	var tenantID, userID string
	txErr := i.store.WithTx(ctx, func(tx *sql.Tx) error {
		var procErr error
		tenantID, userID, procErr = proc(ctx, i.deps, tx, env, now)
		if procErr != nil {
			return procErr
		}
		if tenantID == "" || userID == "" {
			return nil // event carried no recomputable (tenant, user) effect
		}
		_, procErr = i.deps.Recomputer.Recompute(ctx, tx, tenantID, userID, now)
		return procErr
	})

	if txErr != nil {
		return i.markFailed(ctx, env.ID, txErr, now)
	}

	// §4.2's commit ordering: (1) commit DB — done above — (2) evict
	// cache, (3) mark RawEvent succeeded, proceeding to (3) even if (2)
	// only logs and does not itself fail this call.
	if tenantID != "" && userID != "" {
		i.cache.Evict(ctx, tenantID, userID)
	}
	if err := i.store.MarkRawEventOutcome(ctx, nil, env.ID, store.OutcomeSucceeded, "", now); err != nil {
		log.Error("failed marking event succeeded after commit", zap.String("event_id", env.ID), zap.Error(err))
	}
	return Outcome{StatusCode: 200}
}

// markFailed classifies a processor error per §7/§9's result-kind
// vocabulary and records the terminal (or retryable) RawEvent outcome.
func (i *Ingestor) markFailed(ctx context.Context, eventID string, err error, now time.Time) Outcome {
	log := logger.GetLogger(ctx)
	switch resultkind.KindOf(err) {
	case resultkind.Transient:
		if mErr := i.store.MarkRawEventOutcome(ctx, nil, eventID, store.OutcomeFailedTransient, err.Error(), now); mErr != nil {
			log.Error("failed marking event transient-failed", zap.String("event_id", eventID), zap.Error(mErr))
		}
		log.Warn("webhook processing failed transiently", zap.String("event_id", eventID), zap.Error(err))
		return Outcome{StatusCode: 503}
	default:
		// Permanent, Validation, Conflict, NotFound, Auth, and anything
		// unclassified are all terminal from the provider's point of view:
		// retrying would reproduce the same outcome.
		if mErr := i.store.MarkRawEventOutcome(ctx, nil, eventID, store.OutcomeFailedPermanent, err.Error(), now); mErr != nil {
			log.Error("failed marking event permanent-failed", zap.String("event_id", eventID), zap.Error(mErr))
		}
		log.Error("webhook processing failed permanently", zap.String("event_id", eventID), zap.Error(err))
		return Outcome{StatusCode: 200}
	}
}
