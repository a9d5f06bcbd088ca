package billing

import (
	"strings"

	"github.com/fitpulse/fitpulse/app/models"
	"github.com/fitpulse/fitpulse/internal/pkg/entitlements"
)

// isPermanentDecline reports cancellation reasons after which the saved
// instrument can never be charged again.
func isPermanentDecline(reason string) bool {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case ReasonPermissionRevoked, ReasonCardExpired:
		return true
	default:
		return false
	}
}

// usedSavedInstrument reports whether a declined charge ran against the
// subscription's bound instrument, either as a renewal or by method id.
func usedSavedInstrument(p *models.Payment, method PaymentMethod, sub *models.Subscription) bool {
	if p.Kind == models.PaymentKindRenewal {
		return true
	}
	return method.ID != "" && sub.HasInstrument() && *sub.SavedInstrumentID == method.ID
}

// planFor resolves a payment's plan to its catalog entry. Only paid plans can
// be settled.
func planFor(p *models.Payment) (entitlements.PlanSpec, error) {
	spec, ok := entitlements.Lookup(p.Plan)
	if !ok || !spec.Purchasable() {
		return entitlements.PlanSpec{}, ErrUnknownPlan
	}
	return spec, nil
}
