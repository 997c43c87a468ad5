// Package processors implements the per-event-type state transitions of
// §4.2: one function per provider event type, each running inside the
// single database transaction its Ingestor caller opened, each deriving
// the (tenant, user) pair from event metadata and never guessing it.
//
// Grounded on volaticloud's internal/billing/webhook.go
// (handleCheckoutCompleted/handleSubscriptionUpdated/
// handleSubscriptionDeleted/handleInvoicePaymentSucceeded) for the
// decode-locate-mutate-log shape, and ProcessSubscriptionDeposit in
// internal/billing/subscription.go for "locate by provider id inside one
// transaction".
package processors

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"

	"github.com/entroline/entroline/internal/entitlement"
	"github.com/entroline/entroline/internal/provider"
	"github.com/entroline/entroline/internal/resultkind"
	"github.com/entroline/entroline/internal/store"
)

// Deps bundles the collaborators every processor needs. Built once at
// startup and passed explicitly, matching spec.md §9's "no hidden ambient
// state" redesign note.
type Deps struct {
	Store      *store.Store
	Provider   provider.API
	Recomputer *entitlement.Recomputer
}

// Func is a single event-type handler. It runs inside tx, returns the
// (tenant, user) pair it touched so the caller can recompute entitlements
// and evict the cache for that pair, and an error classified via
// resultkind so the Ingestor can map it to a RawEvent outcome.
type Func func(ctx context.Context, deps Deps, tx *sql.Tx, ev stripe.Event, now time.Time) (tenantID, userID string, err error)

// NewRegistry returns the static event-type → processor mapping named in
// §4.2 and §9's "static registry" redesign note. Event types absent from
// this map are unknown types; the Ingestor persists and acknowledges them
// without invoking a processor.
func NewRegistry() map[string]Func {
	return map[string]Func{
		"checkout.session.completed":    HandleCheckoutSessionCompleted,
		"invoice.payment_succeeded":     HandleInvoicePaymentSucceeded,
		"customer.subscription.updated": HandleSubscriptionUpdated,
		"customer.subscription.deleted": HandleSubscriptionDeleted,
		"charge.refunded":               HandleChargeRefunded,
	}
}

// HandleCheckoutSessionCompleted implements the two checkout.session.completed
// rows of §4.2's table, branching on the session's mode.
func HandleCheckoutSessionCompleted(ctx context.Context, deps Deps, tx *sql.Tx, ev stripe.Event, now time.Time) (string, string, error) {
	session, err := provider.DecodeCheckoutSession(ev)
	if err != nil {
		return "", "", err
	}
	tenantID, userID, err := provider.RequireTenantAndUser(session.Metadata)
	if err != nil {
		return "", "", err
	}

	switch session.Mode {
	case stripe.CheckoutSessionModeSubscription:
		return tenantID, userID, upsertSubscriptionFromCheckout(ctx, deps, tx, tenantID, userID, session)
	case stripe.CheckoutSessionModePayment:
		return tenantID, userID, upsertPurchaseFromCheckout(ctx, deps, tx, tenantID, userID, session, now)
	default:
		// setup-mode or other checkout sessions carry no billable record for
		// this core; nothing to reconcile.
		return tenantID, userID, nil
	}
}

func upsertSubscriptionFromCheckout(ctx context.Context, deps Deps, tx *sql.Tx, tenantID, userID string, session stripe.CheckoutSession) error {
	if session.Subscription == nil || session.Subscription.ID == "" {
		return resultkind.New(resultkind.Permanent, "checkout session missing subscription reference")
	}
	providerSubscriptionID := session.Subscription.ID

	full, err := deps.Provider.GetSubscription(ctx, providerSubscriptionID)
	if err != nil {
		return err
	}
	return UpsertSubscriptionFromRemote(ctx, deps, tx, tenantID, full)
}

// HandleSubscriptionUpdated reflects status, period window, and
// cancel_at_period_end from the event payload (§4.2).
func HandleSubscriptionUpdated(ctx context.Context, deps Deps, tx *sql.Tx, ev stripe.Event, now time.Time) (string, string, error) {
	sub, err := provider.DecodeSubscription(ev)
	if err != nil {
		return "", "", err
	}
	tenantID, userID, err := provider.RequireTenantAndUser(sub.Metadata)
	if err != nil {
		return "", "", err
	}
	return tenantID, userID, UpsertSubscriptionFromRemote(ctx, deps, tx, tenantID, &sub)
}

// HandleSubscriptionDeleted sets status=canceled, canceled_at=event time
// (§4.2).
func HandleSubscriptionDeleted(ctx context.Context, deps Deps, tx *sql.Tx, ev stripe.Event, now time.Time) (string, string, error) {
	sub, err := provider.DecodeSubscription(ev)
	if err != nil {
		return "", "", err
	}
	tenantID, userID, err := provider.RequireTenantAndUser(sub.Metadata)
	if err != nil {
		return "", "", err
	}

	existing, err := deps.Store.GetSubscriptionByProviderIDForUpdate(ctx, tx, sub.ID)
	if err != nil {
		if resultkind.Is(err, resultkind.NotFound) {
			return tenantID, userID, nil // nothing local to cancel; idempotent no-op
		}
		return "", "", err
	}

	canceledAt := now
	existing.Status = store.SubscriptionCanceled
	existing.CanceledAt = &canceledAt
	return tenantID, userID, deps.Store.UpdateSubscription(ctx, tx, existing)
}

// UpsertSubscriptionFromRemote resolves the internal price for the
// subscription's priced item and upserts the local row, shared by the
// checkout-completion and subscription-updated processors, and by
// internal/reconcile's remote comparison pass, so all three converge on the
// same mapping from a *stripe.Subscription to our schema.
func UpsertSubscriptionFromRemote(ctx context.Context, deps Deps, tx *sql.Tx, tenantID string, sub *stripe.Subscription) error {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return resultkind.New(resultkind.Permanent, "subscription has no priced item")
	}
	providerPriceID := sub.Items.Data[0].Price.ID
	price, err := deps.Store.GetPriceByProviderID(ctx, tx, tenantID, providerPriceID)
	if err != nil {
		if resultkind.Is(err, resultkind.NotFound) {
			return resultkind.Wrapf(resultkind.Permanent, err, "no catalog price for provider price %q", providerPriceID)
		}
		return err
	}

	_, userID, _ := provider.RequireTenantAndUser(sub.Metadata)

	existing, err := deps.Store.GetSubscriptionByProviderIDForUpdate(ctx, tx, sub.ID)
	switch {
	case err == nil:
		existing.Status = MapSubscriptionStatus(sub.Status)
		existing.PriceID = price.PriceID
		existing.CurrentPeriodStart = SubscriptionPeriodStart(sub)
		existing.CurrentPeriodEnd = SubscriptionPeriodEnd(sub)
		existing.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		return deps.Store.UpdateSubscription(ctx, tx, existing)
	case resultkind.Is(err, resultkind.NotFound):
		if userID == "" {
			_, userID, err = provider.RequireTenantAndUser(sub.Metadata)
			if err != nil {
				return err
			}
		}
		return deps.Store.InsertSubscription(ctx, tx, store.Subscription{
			ID:                     uuid.NewString(),
			TenantID:               tenantID,
			UserID:                 userID,
			PriceID:                price.PriceID,
			ProviderSubscriptionID: sub.ID,
			Status:                 MapSubscriptionStatus(sub.Status),
			CurrentPeriodStart:     SubscriptionPeriodStart(sub),
			CurrentPeriodEnd:       SubscriptionPeriodEnd(sub),
			CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		})
	default:
		return err
	}
}

// MapSubscriptionStatus translates a provider subscription status into our
// schema's status enum; the value sets are defined identically.
func MapSubscriptionStatus(status stripe.SubscriptionStatus) store.SubscriptionStatus {
	return store.SubscriptionStatus(status)
}

// SubscriptionPeriodStart extracts the current period start. In stripe-go
// v82 period fields live on subscription items, not the subscription
// itself.
func SubscriptionPeriodStart(sub *stripe.Subscription) time.Time {
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		return time.Unix(sub.Items.Data[0].CurrentPeriodStart, 0).UTC()
	}
	return time.Unix(sub.StartDate, 0).UTC()
}

// SubscriptionPeriodEnd extracts the current period end.
func SubscriptionPeriodEnd(sub *stripe.Subscription) time.Time {
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		return time.Unix(sub.Items.Data[0].CurrentPeriodEnd, 0).UTC()
	}
	return time.Unix(sub.StartDate, 0).UTC().Add(30 * 24 * time.Hour)
}

// HandleInvoicePaymentSucceeded advances current_period_end and restores
// status=active from past_due/trialing (§4.2).
func HandleInvoicePaymentSucceeded(ctx context.Context, deps Deps, tx *sql.Tx, ev stripe.Event, now time.Time) (string, string, error) {
	invoice, err := provider.DecodeInvoice(ev)
	if err != nil {
		return "", "", err
	}

	providerSubscriptionID := invoiceSubscriptionID(invoice)
	if providerSubscriptionID == "" {
		return "", "", nil // not a subscription invoice; nothing to advance
	}

	existing, err := deps.Store.GetSubscriptionByProviderIDForUpdate(ctx, tx, providerSubscriptionID)
	if err != nil {
		if resultkind.Is(err, resultkind.NotFound) {
			return "", "", resultkind.Wrapf(resultkind.Permanent, err, "invoice references unknown subscription %q", providerSubscriptionID)
		}
		return "", "", err
	}

	full, err := deps.Provider.GetSubscription(ctx, providerSubscriptionID)
	if err != nil {
		return "", "", err
	}

	existing.CurrentPeriodEnd = SubscriptionPeriodEnd(full)
	existing.CurrentPeriodStart = SubscriptionPeriodStart(full)
	if existing.Status == store.SubscriptionPastDue || existing.Status == store.SubscriptionTrialing {
		existing.Status = store.SubscriptionActive
	}
	if err := deps.Store.UpdateSubscription(ctx, tx, existing); err != nil {
		return "", "", err
	}
	return existing.TenantID, existing.UserID, nil
}

// invoiceSubscriptionID extracts the subscription id an invoice belongs
// to. In stripe-go v82 the link is nested under Parent.SubscriptionDetails,
// matching volaticloud's handleInvoicePaymentSucceeded.
func invoiceSubscriptionID(invoice stripe.Invoice) string {
	if invoice.Parent == nil || invoice.Parent.SubscriptionDetails == nil || invoice.Parent.SubscriptionDetails.Subscription == nil {
		return ""
	}
	return invoice.Parent.SubscriptionDetails.Subscription.ID
}

// HandleChargeRefunded locates the purchase by provider_charge_id and sets
// status=refunded, refunded_at=event time (§4.2).
func HandleChargeRefunded(ctx context.Context, deps Deps, tx *sql.Tx, ev stripe.Event, now time.Time) (string, string, error) {
	charge, err := provider.DecodeCharge(ev)
	if err != nil {
		return "", "", err
	}
	providerChargeID := ChargeReferenceID(charge)
	if providerChargeID == "" {
		return "", "", resultkind.New(resultkind.Permanent, "refunded charge has no usable reference id")
	}

	existing, err := deps.Store.GetPurchaseByChargeIDForUpdate(ctx, tx, providerChargeID)
	if err != nil {
		if resultkind.Is(err, resultkind.NotFound) {
			return "", "", nil // refund for a charge this core never recorded as a purchase; nothing to do
		}
		return "", "", err
	}

	refundedAt := now
	existing.Status = store.PurchaseRefunded
	existing.RefundedAt = &refundedAt
	if err := deps.Store.UpdatePurchase(ctx, tx, existing); err != nil {
		return "", "", err
	}
	return existing.TenantID, existing.UserID, nil
}

// ChargeReferenceID picks the identifier a purchase was recorded under.
// Checkout sessions for one-time payments only expose a PaymentIntent, not
// a Charge, so purchases are keyed by payment intent id; charge.refunded
// events and the reconciler's charge-enumeration pass both carry the same
// payment intent back via charge.PaymentIntent.
func ChargeReferenceID(ch stripe.Charge) string {
	if ch.PaymentIntent != nil && ch.PaymentIntent.ID != "" {
		return ch.PaymentIntent.ID
	}
	return ch.ID
}

func upsertPurchaseFromCheckout(ctx context.Context, deps Deps, tx *sql.Tx, tenantID, userID string, session stripe.CheckoutSession, now time.Time) error {
	providerChargeID := sessionReferenceID(session)
	if providerChargeID == "" {
		return resultkind.New(resultkind.Permanent, "checkout session has no usable payment reference id")
	}

	// The webhook payload carries no line items; fetch the session again
	// with them expanded.
	full, err := deps.Provider.GetCheckoutSession(ctx, session.ID)
	if err != nil {
		return err
	}
	if full.LineItems == nil || len(full.LineItems.Data) == 0 || full.LineItems.Data[0].Price == nil {
		return resultkind.New(resultkind.Permanent, "checkout session has no priced line item")
	}
	providerPriceID := full.LineItems.Data[0].Price.ID

	price, err := deps.Store.GetPriceByProviderID(ctx, tx, tenantID, providerPriceID)
	if err != nil {
		if resultkind.Is(err, resultkind.NotFound) {
			return resultkind.Wrapf(resultkind.Permanent, err, "no catalog price for provider price %q", providerPriceID)
		}
		return err
	}
	product, err := deps.Store.GetProduct(ctx, tx, tenantID, price.ProductID)
	if err != nil {
		return err
	}

	validTo := PurchaseValidTo(now, product.DefaultValidityDays)

	existing, err := deps.Store.GetPurchaseByChargeIDForUpdate(ctx, tx, providerChargeID)
	switch {
	case err == nil:
		existing.Status = store.PurchaseSucceeded
		return deps.Store.UpdatePurchase(ctx, tx, existing)
	case resultkind.Is(err, resultkind.NotFound):
		return deps.Store.InsertPurchase(ctx, tx, store.Purchase{
			ID:               uuid.NewString(),
			TenantID:         tenantID,
			UserID:           userID,
			PriceID:          price.PriceID,
			ProviderChargeID: providerChargeID,
			Amount:           session.AmountTotal,
			Currency:         string(session.Currency),
			Status:           store.PurchaseSucceeded,
			ValidFrom:        now,
			ValidTo:          validTo,
		})
	default:
		return err
	}
}

// PurchaseValidTo computes a purchase's expiry from its product's
// configured default validity, per DESIGN.md's Open Question decision to
// derive valid_to on the purchase row rather than the price row.
// DefaultValidityDays = 0 means lifetime. Only the checkout-completion
// path calls it; internal/reconcile never inserts purchases.
func PurchaseValidTo(now time.Time, defaultValidityDays int) *time.Time {
	if defaultValidityDays <= 0 {
		return nil
	}
	t := now.AddDate(0, 0, defaultValidityDays)
	return &t
}

// sessionReferenceID picks the identifier a one-time checkout is recorded
// under; see ChargeReferenceID for why payment intent id is used.
func sessionReferenceID(session stripe.CheckoutSession) string {
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		return session.PaymentIntent.ID
	}
	return session.ID
}
