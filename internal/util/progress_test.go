package util

import (
	"testing"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
)

func TestBuildStatusProgress_Empty(t *testing.T) {
	p := BuildStatusProgress(nil)
	if p.Step != nil || p.Total != 0 || p.Percentage != 0 {
		t.Fatalf("expected empty progress, got %+v", p)
	}
}

func TestBuildStatusProgress_Mixed(t *testing.T) {
	docs := []common.DocumentOverview{
		{ID: "a", RestructuringStatus: common.StatusPending},
		{ID: "b", RestructuringStatus: common.StatusSuccess},
		{ID: "c", RestructuringStatus: common.StatusEnriched},
		{ID: "d", RestructuringStatus: common.StatusEnriched},
	}
	p := BuildStatusProgress(docs)
	if p.Total != 4 {
		t.Fatalf("expected total 4, got %d", p.Total)
	}
	if p.Step == nil {
		t.Fatal("expected step progress")
	}
	if p.Step.Enriched != "2/4" || p.Step.Pending != "1/4" || p.Step.Success != "1/4" {
		t.Fatalf("unexpected step progress: %+v", *p.Step)
	}
	if p.Step.Processing != "" {
		t.Fatalf("expected empty processing count, got %q", p.Step.Processing)
	}
	// (0 + 2 + 4 + 4) / 16 = 62%
	if p.Percentage != 62 {
		t.Fatalf("expected 62%%, got %d", p.Percentage)
	}
}

func TestCalculateStatusPercentage_AllEnriched(t *testing.T) {
	counts := map[common.RestructureStatus]int{common.StatusEnriched: 3}
	if got := CalculateStatusPercentage(counts, 3); got != 100 {
		t.Fatalf("expected 100, got %d", got)
	}
}
