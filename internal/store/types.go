package store

import "time"

// SubscriptionStatus enumerates §3's subscription status set.
type SubscriptionStatus string

const (
	SubscriptionTrialing   SubscriptionStatus = "trialing"
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
	SubscriptionUnpaid     SubscriptionStatus = "unpaid"
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
)

// PurchaseStatus enumerates §3's purchase status set.
type PurchaseStatus string

const (
	PurchaseSucceeded PurchaseStatus = "succeeded"
	PurchasePending   PurchaseStatus = "pending"
	PurchaseFailed    PurchaseStatus = "failed"
	PurchaseRefunded  PurchaseStatus = "refunded"
)

// PriceCadence enumerates §3's price cadence set.
type PriceCadence string

const (
	CadenceMonth  PriceCadence = "month"
	CadenceYear   PriceCadence = "year"
	CadenceOneTime PriceCadence = "one_time"
)

// EntitlementSource ranks the three contributing sources; higher value wins
// precedence ties per §4.3 (manual > purchase > subscription).
type EntitlementSource string

const (
	SourceSubscription EntitlementSource = "subscription"
	SourcePurchase     EntitlementSource = "purchase"
	SourceManual       EntitlementSource = "manual"
)

// sourcePrecedence orders sources for the aggregated-view tie-break; a
// higher number wins.
var sourcePrecedence = map[EntitlementSource]int{
	SourceSubscription: 0,
	SourcePurchase:     1,
	SourceManual:       2,
}

// ProcessingOutcome enumerates §3's RawEvent outcome set.
type ProcessingOutcome string

const (
	OutcomePending          ProcessingOutcome = "pending"
	OutcomeSucceeded        ProcessingOutcome = "succeeded"
	OutcomeFailedPermanent  ProcessingOutcome = "failed_permanent"
	OutcomeFailedTransient  ProcessingOutcome = "failed_transient"
)

// Tenant is the unit of isolation; every other entity carries TenantID.
type Tenant struct {
	TenantID       string
	Active         bool
	CredentialHash string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Product is a sellable bundle within a tenant.
type Product struct {
	ProductID           string
	TenantID            string
	Name                string
	FeatureCodes        []string
	Archived            bool
	DefaultValidityDays int // 0 means lifetime; see DESIGN.md Open Question on valid_to placement
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Price is an immutable commercial term referencing a Product.
type Price struct {
	PriceID         string
	TenantID        string
	ProductID       string
	ProviderPriceID string
	Amount          int64
	Currency        string
	Cadence         PriceCadence
	CreatedAt       time.Time
}

// Subscription is a recurring obligation.
type Subscription struct {
	ID                     string
	TenantID               string
	UserID                 string
	PriceID                string
	ProviderSubscriptionID string
	Status                 SubscriptionStatus
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	CancelAtPeriodEnd      bool
	CanceledAt             *time.Time
	UpdatedAt              time.Time
	CreatedAt              time.Time
}

// Purchase is a one-time obligation.
type Purchase struct {
	ID               string
	TenantID         string
	UserID           string
	PriceID          string
	ProviderChargeID string
	Amount           int64
	Currency         string
	Status           PurchaseStatus
	RefundedAt       *time.Time
	ValidFrom        time.Time
	ValidTo          *time.Time // nil means lifetime
	UpdatedAt        time.Time
	CreatedAt        time.Time
}

// ManualGrant is an append-only operator override.
type ManualGrant struct {
	ID           string
	TenantID     string
	UserID       string
	FeatureCode  string
	ValidFrom    time.Time
	ValidTo      *time.Time
	Reason       string
	GrantedBy    string
	GrantedAt    time.Time
	RevokedAt    *time.Time
	RevokedBy    string
	RevokeReason string
}

// Active reports whether the grant currently contributes, per §3.
func (g ManualGrant) Active(now time.Time) bool {
	if g.RevokedAt != nil {
		return false
	}
	if now.Before(g.ValidFrom) {
		return false
	}
	return g.ValidTo == nil || now.Before(*g.ValidTo)
}

// Entitlement is one materialized contributing row per (tenant, user,
// feature_code, source, source_ref).
type Entitlement struct {
	ID          string
	TenantID    string
	UserID      string
	FeatureCode string
	IsActive    bool
	ValidFrom   time.Time
	ValidTo     *time.Time
	Source      EntitlementSource
	SourceRef   string
	ComputedAt  time.Time
}

// RawEvent is an ingested provider notification, keyed by ProviderEventID
// for dedup.
type RawEvent struct {
	ProviderEventID   string
	EventType         string
	Payload           []byte
	ReceivedAt        time.Time
	ProcessedAt       *time.Time
	ProcessingOutcome ProcessingOutcome
	AttemptCount      int
	FailureDetail     string
}

// AdminAuditLog is an immutable record of one grant/revoke action,
// persisted independently of the ManualGrant row itself (§4.6).
type AdminAuditLog struct {
	ID          string
	TenantID    string
	UserID      string
	Action      string // "grant" or "revoke"
	FeatureCode string
	Reason      string
	Actor       string
	OccurredAt  time.Time
}
