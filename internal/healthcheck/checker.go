package healthcheck

import (
	"context"
	"sort"
)

const (
	// StatusOK indicates check passed.
	StatusOK = "ok"
	// StatusWarn indicates check completed with warning.
	StatusWarn = "warn"
	// StatusError indicates check failed.
	StatusError = "error"
)

// CheckResult is one runtime check item produced by a checker.
type CheckResult struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Status  string `json:"status"`
	Summary string `json:"summary"`
	Detail  string `json:"detail,omitempty"`
}

// Checker evaluates one or more runtime checks.
type Checker interface {
	ListChecks(ctx context.Context) []CheckResult
}

// Report is the combined outcome of a set of checkers.
type Report struct {
	Status string        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// Healthy reports whether no check failed. Warnings do not count.
func (r Report) Healthy() bool {
	return r.Status != StatusError
}

// Run evaluates every checker and folds the results into one report. The
// report status is the worst status seen.
func Run(ctx context.Context, checkers ...Checker) Report {
	report := Report{Status: StatusOK, Checks: []CheckResult{}}
	for _, c := range checkers {
		if c == nil {
			continue
		}
		report.Checks = append(report.Checks, c.ListChecks(ctx)...)
	}
	sort.SliceStable(report.Checks, func(i, j int) bool {
		return report.Checks[i].ID < report.Checks[j].ID
	})
	for _, item := range report.Checks {
		if rank(item.Status) > rank(report.Status) {
			report.Status = item.Status
		}
	}
	return report
}

func rank(status string) int {
	switch status {
	case StatusOK:
		return 0
	case StatusWarn:
		return 1
	default:
		return 2
	}
}
