package domain

// UnlimitedQuantity marks a quota without an allowance cap.
const UnlimitedQuantity int64 = -1

// Overage is the quantity billed beyond the allowance: max(0, total - included).
// An unlimited allowance never produces overage.
func Overage(total, included int64) int64 {
	if included == UnlimitedQuantity || total <= included {
		return 0
	}
	return total - included
}

// UnreportedOverage is the part of the period's overage contributed by events
// not yet delivered to the processor.
func UnreportedOverage(total, unreported, included int64) int64 {
	if unreported <= 0 {
		return 0
	}
	if unreported > total {
		unreported = total
	}
	return Overage(total, included) - Overage(total-unreported, included)
}

// Summarize fills the derived quantities of a summary from its total.
func Summarize(s *UsageSummary, quota UsageQuota) {
	s.IncludedQuantity = quota.IncludedQuantity
	s.OverageQuantity = Overage(s.TotalQuantity, quota.IncludedQuantity)
	s.OverageAmount = s.OverageQuantity * quota.PricePerUnit
	s.Currency = quota.Currency
}
