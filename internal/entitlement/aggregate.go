package entitlement

import (
	"sort"
	"time"

	"github.com/entroline/entroline/internal/store"
)

// View is one row of the aggregated entitlement response served to
// callers (§6's GET /v1/entitlements shape: `{feature_code, is_active,
// valid_from, valid_to|null, source}`).
type View struct {
	FeatureCode string                  `json:"feature_code"`
	IsActive    bool                    `json:"is_active"`
	ValidFrom   time.Time               `json:"valid_from"`
	ValidTo     *time.Time              `json:"valid_to"`
	Source      store.EntitlementSource `json:"source"`
}

// Aggregate collapses the materialized rows per feature_code per §4.3:
// the row with the latest ValidTo wins (nil treated as +∞), ties broken by
// source precedence manual > purchase > subscription. IsActive is true iff
// at least one contributing row for that feature currently qualifies.
func Aggregate(rows []store.Entitlement, now time.Time) []View {
	best := make(map[string]store.Entitlement)
	anyActive := make(map[string]bool)

	for _, row := range rows {
		qualifies := row.IsActive && withinWindow(now, row.ValidFrom, row.ValidTo)
		if qualifies {
			anyActive[row.FeatureCode] = true
		}

		current, seen := best[row.FeatureCode]
		if !seen || wins(row, current) {
			best[row.FeatureCode] = row
		}
	}

	views := make([]View, 0, len(best))
	for feature, row := range best {
		views = append(views, View{
			FeatureCode: feature,
			IsActive:    anyActive[feature],
			ValidFrom:   row.ValidFrom,
			ValidTo:     row.ValidTo,
			Source:      row.Source,
		})
	}
	sortViews(views)
	return views
}

// wins reports whether candidate should replace incumbent as the
// representative row for a feature_code: later ValidTo wins (nil = +∞);
// ties broken by source precedence.
func wins(candidate, incumbent store.Entitlement) bool {
	cLater := laterValidTo(candidate.ValidTo, incumbent.ValidTo)
	if cLater != 0 {
		return cLater > 0
	}
	return sourcePrecedenceOf(candidate.Source) > sourcePrecedenceOf(incumbent.Source)
}

// laterValidTo returns >0 if a is later than b, <0 if earlier, 0 if equal.
// nil compares as greater than any finite time.
func laterValidTo(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case a.After(*b):
		return 1
	case a.Before(*b):
		return -1
	default:
		return 0
	}
}

func sourcePrecedenceOf(s store.EntitlementSource) int {
	switch s {
	case store.SourceManual:
		return 2
	case store.SourcePurchase:
		return 1
	default:
		return 0
	}
}

func sortViews(views []View) {
	sort.Slice(views, func(i, j int) bool { return views[i].FeatureCode < views[j].FeatureCode })
}
