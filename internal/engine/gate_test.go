package engine

import (
	"testing"
	"time"

	"veriflow/internal/domain"
)

func ptr(s string) *string { return &s }

func TestFinalStatus(t *testing.T) {
	cases := []struct {
		name   string
		tester *string
		owner  *string
		want   string
	}{
		{"no decisions", nil, nil, domain.ItemPending},
		{"tester accept only", ptr(domain.TesterAccept), nil, domain.ItemPendingOwner},
		{"tester reject is final", ptr(domain.TesterReject), nil, domain.ItemRejected},
		{"tester reject ignores owner", ptr(domain.TesterReject), ptr(domain.OwnerApprove), domain.ItemRejected},
		{"both approve", ptr(domain.TesterAccept), ptr(domain.OwnerApprove), domain.ItemApproved},
		{"owner rejects", ptr(domain.TesterAccept), ptr(domain.OwnerReject), domain.ItemRejected},
		{"owner needs revision", ptr(domain.TesterAccept), ptr(domain.OwnerNeedsRevision), domain.ItemRejected},
		{"owner decides first", nil, ptr(domain.OwnerApprove), domain.ItemPending},
		{"tester override", ptr(domain.TesterOverride), nil, domain.ItemApproved},
		{"tester override beats owner reject", ptr(domain.TesterOverride), ptr(domain.OwnerReject), domain.ItemApproved},
		{"owner override", ptr(domain.TesterReject), ptr(domain.OwnerOverride), domain.ItemApproved},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			it := domain.Item{TesterDecision: tc.tester, OwnerDecision: tc.owner}
			if got := finalStatus(it); got != tc.want {
				t.Fatalf("finalStatus = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestCountItemsTreatsBothPendingStates(t *testing.T) {
	items := []domain.Item{
		{FinalStatus: domain.ItemApproved},
		{FinalStatus: domain.ItemRejected},
		{FinalStatus: domain.ItemPending},
		{FinalStatus: domain.ItemPendingOwner},
	}
	c := countItems(items)
	if c.Total != 4 || c.Approved != 1 || c.Rejected != 1 || c.Pending != 2 {
		t.Fatalf("unexpected counts %+v", c)
	}
}

func TestAddWindowCalendarHours(t *testing.T) {
	start := time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC) // Friday noon
	got := addWindow(start, 48*time.Hour, false)
	want := time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("calendar window = %v, want %v", got, want)
	}
}

func TestAddWindowSkipsWeekends(t *testing.T) {
	start := time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC) // Friday noon
	got := addWindow(start, 48*time.Hour, true)
	// one day consumed Friday, the weekend consumes none, the second day
	// runs Monday noon to Tuesday noon
	want := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("business window = %v, want %v", got, want)
	}
	if wd := got.Weekday(); wd == time.Saturday || wd == time.Sunday {
		t.Fatalf("deadline landed on a weekend: %v", got)
	}
}
