package diag

import (
	"fmt"
	"sync"
)

// Collector provides concurrent issue collection with precomputed severity
// counts.
//
// Collector is thread-safe. When the issue limit is reached, additional
// issues are counted as dropped but not stored; use [Result.DroppedCount]
// to detect truncation.
type Collector struct {
	mu           sync.Mutex
	issues       []Issue
	limit        int
	droppedCount int

	errorCount   int
	warningCount int
	infoCount    int
}

// NoLimit is the sentinel value indicating unlimited issue collection.
const NoLimit = 0

// NewCollector creates a collector with an optional issue limit.
//
// A limit of 0 means no limit (use [NoLimit] for clarity). Negative values
// are normalized to 0.
func NewCollector(limit int) *Collector {
	if limit < 0 {
		limit = 0
	}
	return &Collector{limit: limit}
}

// Collect adds an issue to the collector.
//
// Collect panics if the issue is invalid; use [NewIssue] to construct
// issues. The panic catches programmer errors where issues are built via
// direct struct literals.
func (c *Collector) Collect(issue Issue) {
	if !issue.IsValid() {
		panic(fmt.Sprintf("diag: invalid issue collected: %+v", issue))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limit > 0 && len(c.issues) >= c.limit {
		c.droppedCount++
		return
	}

	c.issues = append(c.issues, issue)
	switch issue.Severity() {
	case Error:
		c.errorCount++
	case Warning:
		c.warningCount++
	case Info:
		c.infoCount++
	}
}

// Len returns the number of stored issues.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.issues)
}

// OK reports whether no error-severity issues were collected.
func (c *Collector) OK() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorCount == 0
}

// Result returns an immutable snapshot of the collected issues.
func (c *Collector) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	issues := make([]Issue, len(c.issues))
	copy(issues, c.issues)
	return Result{
		issues:       issues,
		droppedCount: c.droppedCount,
		errorCount:   c.errorCount,
		warningCount: c.warningCount,
		infoCount:    c.infoCount,
	}
}
