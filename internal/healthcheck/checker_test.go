package healthcheck

import (
	"context"
	"testing"
)

type testChecker struct {
	items []CheckResult
}

func (c *testChecker) ListChecks(ctx context.Context) []CheckResult {
	return c.items
}

func TestRunFoldsWorstStatus(t *testing.T) {
	t.Parallel()

	report := Run(context.Background(),
		&testChecker{items: []CheckResult{{ID: "store", Status: StatusOK}}},
		nil,
		&testChecker{items: []CheckResult{{ID: "blob", Status: StatusWarn}}},
	)
	if report.Status != StatusWarn {
		t.Fatalf("expected warn, got %s", report.Status)
	}
	if !report.Healthy() {
		t.Fatal("warnings must not mark the report unhealthy")
	}
	if len(report.Checks) != 2 || report.Checks[0].ID != "blob" {
		t.Fatalf("unexpected checks: %+v", report.Checks)
	}

	report = Run(context.Background(),
		&testChecker{items: []CheckResult{{ID: "store", Status: StatusError}}},
		&testChecker{items: []CheckResult{{ID: "blob", Status: StatusWarn}}},
	)
	if report.Status != StatusError || report.Healthy() {
		t.Fatalf("expected error report, got %+v", report)
	}
}

func TestRunWithoutCheckers(t *testing.T) {
	t.Parallel()

	report := Run(context.Background())
	if report.Status != StatusOK || report.Checks == nil {
		t.Fatalf("unexpected report: %+v", report)
	}
}
