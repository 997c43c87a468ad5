package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/charge"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/event"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/entroline/entroline/internal/resultkind"
)

// subscriptionEventTypes and chargeEventTypes are the event types whose
// occurrence since the reconciler's lookback window means "this object may
// have drifted locally", per §4.5 point 1. Stripe's subscription/charge
// List endpoints only filter by their own `created` timestamp (when the
// object first came into existence), which says nothing about later
// updates or cancellations — a subscription created 60 days ago and
// canceled yesterday would never surface through that filter. The Events
// API's own `created` timestamp tracks when the event fired, so driving
// the lookback off it actually catches long-lived records that changed
// recently.
var subscriptionEventTypes = []string{
	"customer.subscription.updated",
	"customer.subscription.deleted",
}

var chargeEventTypes = []string{
	"charge.refunded",
}

// API is the subset of provider operations the reconciler and checkout
// metadata contract need. Grounded on volaticloud's internal/billing
// StripeAPI interface-for-testability pattern, widened with the
// enumeration calls the reconciler requires (§4.5).
type API interface {
	GetSubscription(ctx context.Context, providerSubscriptionID string) (*stripe.Subscription, error)
	ListSubscriptionsModifiedSince(ctx context.Context, since time.Time) ([]*stripe.Subscription, error)
	GetCharge(ctx context.Context, providerChargeID string) (*stripe.Charge, error)
	ListChargesModifiedSince(ctx context.Context, since time.Time) ([]*stripe.Charge, error)
	GetCheckoutSession(ctx context.Context, providerSessionID string) (*stripe.CheckoutSession, error)
}

// Client wraps the provider SDK with a bounded retry/backoff policy so
// transient network failures do not immediately surface as reconciler
// errors, honoring the 30s provider-call timeout from §5.
type Client struct {
	callBudget time.Duration
}

var _ API = (*Client)(nil)

// NewClient constructs a Client authenticated with secretKey. callBudget
// bounds the total time spent retrying one logical call (default from
// config.ProviderCallTimeout). Authentication follows volaticloud's
// NewStripeClient convention of setting the package-level stripe.Key once.
func NewClient(secretKey string, callBudget time.Duration) *Client {
	stripe.Key = secretKey
	return &Client{callBudget: callBudget}
}

func (c *Client) retry(ctx context.Context, fn func() error) error {
	expBackoff := backoff.NewExponentialBackOff()
	if c.callBudget > 0 {
		expBackoff.MaxElapsedTime = c.callBudget
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, 3), ctx)
	var lastErr error
	err := backoff.Retry(func() error {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if isRetryable(lastErr) {
			return lastErr
		}
		return backoff.Permanent(lastErr)
	}, policy)
	if err == nil {
		return nil
	}
	if isRetryable(lastErr) {
		return resultkind.Wrap(resultkind.Transient, lastErr, "provider: call failed after retries")
	}
	return resultkind.Wrap(resultkind.Permanent, lastErr, "provider: call failed")
}

// isRetryable treats stripe.Error instances carrying a 5xx or connection
// class as transient; everything else (bad request, not found, auth) is
// permanent and must not be retried.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	stripeErr, ok := err.(*stripe.Error)
	if !ok {
		return true // network/transport errors from the SDK are not *stripe.Error
	}
	switch stripeErr.Type {
	case stripe.ErrorTypeAPIConnection, stripe.ErrorTypeAPI, stripe.ErrorTypeRateLimit:
		return true
	default:
		return false
	}
}

// GetSubscription fetches one subscription by its provider id, with
// expanded product metadata so callers can read feature codes directly.
func (c *Client) GetSubscription(ctx context.Context, providerSubscriptionID string) (*stripe.Subscription, error) {
	var sub *stripe.Subscription
	err := c.retry(ctx, func() error {
		params := &stripe.SubscriptionParams{}
		params.AddExpand("items.data.price.product")
		params.Context = ctx
		var apiErr error
		sub, apiErr = subscription.Get(providerSubscriptionID, params)
		return apiErr
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ListSubscriptionsModifiedSince enumerates subscriptions the provider has
// touched since the given time, for the reconciler's remote pass (§4.5.1).
// It drives the window off the Events API (see subscriptionEventTypes)
// rather than Subscription.List's own `created` filter, then re-fetches
// each distinct subscription id so the reconciler compares against current
// state, not the event's point-in-time snapshot.
func (c *Client) ListSubscriptionsModifiedSince(ctx context.Context, since time.Time) ([]*stripe.Subscription, error) {
	ids, err := c.eventObjectIDsSince(ctx, subscriptionEventTypes, since)
	if err != nil {
		return nil, err
	}
	out := make([]*stripe.Subscription, 0, len(ids))
	for _, id := range ids {
		sub, err := c.GetSubscription(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

// GetCharge fetches one charge by its provider id.
func (c *Client) GetCharge(ctx context.Context, providerChargeID string) (*stripe.Charge, error) {
	var ch *stripe.Charge
	err := c.retry(ctx, func() error {
		params := &stripe.ChargeParams{}
		params.Context = ctx
		var apiErr error
		ch, apiErr = charge.Get(providerChargeID, params)
		return apiErr
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// GetCheckoutSession fetches one checkout session with its line items and
// prices expanded, used to resolve the priced item for a one-time payment
// checkout (the webhook payload itself carries no line items).
func (c *Client) GetCheckoutSession(ctx context.Context, providerSessionID string) (*stripe.CheckoutSession, error) {
	var sess *stripe.CheckoutSession
	err := c.retry(ctx, func() error {
		params := &stripe.CheckoutSessionParams{}
		params.AddExpand("line_items.data.price")
		params.Context = ctx
		var apiErr error
		sess, apiErr = session.Get(providerSessionID, params)
		return apiErr
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ListChargesModifiedSince enumerates charges the provider has touched
// since the given time, for the reconciler's remote pass (§4.5.1). Same
// Events-API-driven shape as ListSubscriptionsModifiedSince, for the same
// reason: a charge's own `created` filter cannot see a later refund.
func (c *Client) ListChargesModifiedSince(ctx context.Context, since time.Time) ([]*stripe.Charge, error) {
	ids, err := c.eventObjectIDsSince(ctx, chargeEventTypes, since)
	if err != nil {
		return nil, err
	}
	out := make([]*stripe.Charge, 0, len(ids))
	for _, id := range ids {
		ch, err := c.GetCharge(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

// eventObjectIDsSince lists every event of the given types since since and
// returns the distinct object ids they named, preserving first-seen order.
func (c *Client) eventObjectIDsSince(ctx context.Context, eventTypes []string, since time.Time) ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string
	for _, eventType := range eventTypes {
		err := c.retry(ctx, func() error {
			params := &stripe.EventListParams{}
			params.Filters.AddFilter("type", "", eventType)
			params.Filters.AddFilter("created", "gte", fmt.Sprintf("%d", since.Unix()))
			params.Context = ctx
			iter := event.List(params)
			for iter.Next() {
				ev := iter.Event()
				id, ok := ev.Data.Object["id"].(string)
				if !ok {
					continue
				}
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
			return iter.Err()
		})
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}
