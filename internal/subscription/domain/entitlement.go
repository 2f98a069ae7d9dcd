package domain

import "time"

// PremiumFeatureSet answers whether a feature requires a paying tier.
type PremiumFeatureSet interface {
	IsPremiumFeature(feature string) bool
}

// CheckAccess decides whether a user may use a feature right now.
//
// Rules, in order: admins always pass; features outside the premium set are
// unconditionally accessible; a record pending cancellation keeps access
// until its end date; otherwise access requires an active premium record.
// Deterministic over its inputs, no side effects.
func CheckAccess(record *SubscriptionRecord, feature string, isAdmin bool, now time.Time, features PremiumFeatureSet) bool {
	if isAdmin {
		return true
	}
	if features == nil || !features.IsPremiumFeature(feature) {
		return true
	}
	if record == nil {
		return false
	}

	if record.CancelAtPeriodEnd && record.EndDate != nil {
		if !now.Before(*record.EndDate) {
			return false
		}
		return record.Status == StatusActive || record.Status == StatusActiveUntilPeriodEnd
	}

	return record.Status == StatusActive && record.Tier == TierPremium
}
