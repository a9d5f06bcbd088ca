package entitlements

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Plan string

const (
	PlanFree       Plan = "free"
	PlanProMonthly Plan = "pro_monthly"
	PlanProYearly  Plan = "pro_yearly"
)

// DefaultCurrency is the ISO 4217 code all catalog prices are quoted in.
const DefaultCurrency = "RUB"

// FreeDailyPhotoLimit is the number of photo analyses a free user gets per UTC day.
const FreeDailyPhotoLimit = 3

// PlanSpec describes a sellable (or default) plan.
type PlanSpec struct {
	Code     Plan
	Name     string
	Price    decimal.Decimal
	Currency string
	Duration time.Duration
	// DailyPhotoLimit is nil for unlimited.
	DailyPhotoLimit *int
}

// Purchasable reports whether the plan can be bought.
func (p PlanSpec) Purchasable() bool {
	return p.Code != PlanFree && p.Duration > 0
}

var catalog = []PlanSpec{
	{
		Code:            PlanFree,
		Name:            "Free",
		Price:           decimal.Zero,
		Currency:        DefaultCurrency,
		DailyPhotoLimit: intPtr(FreeDailyPhotoLimit),
	},
	{
		Code:     PlanProMonthly,
		Name:     "PRO (1 month)",
		Price:    decimal.RequireFromString("299.00"),
		Currency: DefaultCurrency,
		Duration: 30 * 24 * time.Hour,
	},
	{
		Code:     PlanProYearly,
		Name:     "PRO (12 months)",
		Price:    decimal.RequireFromString("2490.00"),
		Currency: DefaultCurrency,
		Duration: 365 * 24 * time.Hour,
	},
}

// Catalog returns all known plans in display order.
func Catalog() []PlanSpec {
	out := make([]PlanSpec, len(catalog))
	copy(out, catalog)
	return out
}

// Normalize maps a stored or provider-supplied plan code to a known plan.
// Unknown codes collapse to the free plan.
func Normalize(plan string) Plan {
	switch Plan(strings.ToLower(strings.TrimSpace(plan))) {
	case PlanProMonthly:
		return PlanProMonthly
	case PlanProYearly:
		return PlanProYearly
	default:
		return PlanFree
	}
}

// Lookup returns the spec for an exact plan code.
func Lookup(code string) (PlanSpec, bool) {
	c := Plan(strings.ToLower(strings.TrimSpace(code)))
	for _, p := range catalog {
		if p.Code == c {
			return p, true
		}
	}
	return PlanSpec{}, false
}

// MustLookup is Lookup for codes that come from Normalize.
func MustLookup(plan Plan) PlanSpec {
	spec, ok := Lookup(string(plan))
	if !ok {
		panic("entitlements: unknown plan " + string(plan))
	}
	return spec
}

// DailyPhotoLimit returns the plan's photo-analysis quota, nil meaning unlimited.
func DailyPhotoLimit(plan Plan) *int {
	limit := MustLookup(Normalize(string(plan))).DailyPhotoLimit
	if limit == nil {
		return nil
	}
	v := *limit
	return &v
}

// IsPaid reports whether the plan grants PRO access.
func IsPaid(plan Plan) bool {
	return Normalize(string(plan)) != PlanFree
}

func intPtr(v int) *int { return &v }
