package engine

import (
	"veriflow/internal/domain"
)

// finalStatus derives an item's resolved status from its two decision
// slots. The branching is explicit: tester rejection is final without owner
// review, and an override from either party forces approval.
func finalStatus(it domain.Item) string {
	if it.TesterDecision != nil && *it.TesterDecision == domain.TesterOverride {
		return domain.ItemApproved
	}
	if it.OwnerDecision != nil && *it.OwnerDecision == domain.OwnerOverride {
		return domain.ItemApproved
	}
	if it.TesterDecision == nil {
		return domain.ItemPending
	}
	if *it.TesterDecision == domain.TesterReject {
		return domain.ItemRejected
	}
	// tester accepted
	if it.OwnerDecision == nil {
		return domain.ItemPendingOwner
	}
	switch *it.OwnerDecision {
	case domain.OwnerApprove:
		return domain.ItemApproved
	case domain.OwnerReject, domain.OwnerNeedsRevision:
		return domain.ItemRejected
	}
	return domain.ItemPending
}

// isOverridden reports whether an item's approval came from an override.
func isOverridden(it domain.Item) bool {
	if it.TesterDecision != nil && *it.TesterDecision == domain.TesterOverride {
		return true
	}
	return it.OwnerDecision != nil && *it.OwnerDecision == domain.OwnerOverride
}

// counts aggregates item final statuses into version counters. Both pending
// states count as pending.
type counts struct {
	Total    int
	Approved int
	Rejected int
	Pending  int
}

func countItems(items []domain.Item) counts {
	var c counts
	c.Total = len(items)
	for _, it := range items {
		switch it.FinalStatus {
		case domain.ItemApproved:
			c.Approved++
		case domain.ItemRejected:
			c.Rejected++
		default:
			c.Pending++
		}
	}
	return c
}

func applyCounts(v *domain.Version, c counts) {
	v.TotalCount = c.Total
	v.ApprovedCount = c.Approved
	v.RejectedCount = c.Rejected
	v.PendingCount = c.Pending
}
