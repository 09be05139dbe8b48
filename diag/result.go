package diag

import (
	"iter"
	"strings"
)

// Result is an immutable snapshot of diagnostic issues with precomputed
// counts.
//
// Results are obtained via [Collector.Result] or [OK] for empty success
// results. There is no public constructor accepting arbitrary issues.
type Result struct {
	issues       []Issue
	droppedCount int

	errorCount   int
	warningCount int
	infoCount    int
}

// OK returns a Result representing success (no issues).
func OK() Result {
	return Result{}
}

// OK reports whether the result contains no error-severity issues.
func (r Result) OK() bool {
	return r.errorCount == 0
}

// Len returns the number of issues in the result.
func (r Result) Len() int {
	return len(r.issues)
}

// ErrorCount returns the number of error-severity issues.
func (r Result) ErrorCount() int {
	return r.errorCount
}

// WarningCount returns the number of warning-severity issues.
func (r Result) WarningCount() int {
	return r.warningCount
}

// InfoCount returns the number of info-severity issues.
func (r Result) InfoCount() int {
	return r.infoCount
}

// DroppedCount returns how many issues were dropped at the collector's
// limit.
func (r Result) DroppedCount() int {
	return r.droppedCount
}

// Issues returns an iterator over the issues in collection order.
func (r Result) Issues() iter.Seq[Issue] {
	return func(yield func(Issue) bool) {
		for _, issue := range r.issues {
			if !yield(issue) {
				return
			}
		}
	}
}

// String renders the result for logs and test failures, one issue per line.
func (r Result) String() string {
	if len(r.issues) == 0 {
		return "ok"
	}
	var sb strings.Builder
	for i, issue := range r.issues {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(issue.Severity().String())
		sb.WriteByte(' ')
		sb.WriteString(issue.Code().String())
		if issue.Path() != "" {
			sb.WriteString(" at ")
			sb.WriteString(issue.Path())
		}
		sb.WriteString(": ")
		sb.WriteString(issue.Message())
	}
	return sb.String()
}
