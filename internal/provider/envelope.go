package provider

import (
	"encoding/json"

	"github.com/stripe/stripe-go/v82"

	"github.com/entroline/entroline/internal/resultkind"
)

// ParseEnvelope extracts just enough from the raw body to dedupe and
// dispatch (§4.1): the provider's event id and event type. It decodes into
// stripe.Event, the wire shape the provider actually emits, rather than a
// hand-rolled struct, so the richer per-type decoders in this package stay
// consistent with the envelope parse.
func ParseEnvelope(body []byte) (stripe.Event, error) {
	var ev stripe.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return stripe.Event{}, resultkind.Wrap(resultkind.Permanent, err, "malformed event envelope")
	}
	if ev.ID == "" {
		return stripe.Event{}, resultkind.New(resultkind.Permanent, "event envelope missing id")
	}
	if ev.Type == "" {
		return stripe.Event{}, resultkind.New(resultkind.Permanent, "event envelope missing type")
	}
	return ev, nil
}

// DecodeCheckoutSession unmarshals the event payload for
// checkout.session.completed.
func DecodeCheckoutSession(ev stripe.Event) (stripe.CheckoutSession, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &session); err != nil {
		return stripe.CheckoutSession{}, resultkind.Wrap(resultkind.Permanent, err, "malformed checkout session payload")
	}
	return session, nil
}

// DecodeInvoice unmarshals the event payload for invoice.payment_succeeded.
func DecodeInvoice(ev stripe.Event) (stripe.Invoice, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
		return stripe.Invoice{}, resultkind.Wrap(resultkind.Permanent, err, "malformed invoice payload")
	}
	return inv, nil
}

// DecodeSubscription unmarshals the event payload for
// customer.subscription.updated/deleted.
func DecodeSubscription(ev stripe.Event) (stripe.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
		return stripe.Subscription{}, resultkind.Wrap(resultkind.Permanent, err, "malformed subscription payload")
	}
	return sub, nil
}

// DecodeCharge unmarshals the event payload for charge.refunded.
func DecodeCharge(ev stripe.Event) (stripe.Charge, error) {
	var charge stripe.Charge
	if err := json.Unmarshal(ev.Data.Raw, &charge); err != nil {
		return stripe.Charge{}, resultkind.Wrap(resultkind.Permanent, err, "malformed charge payload")
	}
	return charge, nil
}
