package diag

import (
	"strings"
	"testing"
)

func TestIssueBuilder(t *testing.T) {
	issue := NewIssue(Warning, E_DANGLING_REF, "target missing").
		WithPath("$.user.posts[0]").
		WithDetail(DetailKeyTargetID, "Post:p1").
		Build()

	if issue.Severity() != Warning {
		t.Errorf("Severity = %v", issue.Severity())
	}
	if issue.Code() != E_DANGLING_REF {
		t.Errorf("Code = %v", issue.Code())
	}
	if issue.Path() != "$.user.posts[0]" {
		t.Errorf("Path = %q", issue.Path())
	}
	if v, ok := issue.Detail(DetailKeyTargetID); !ok || v != "Post:p1" {
		t.Errorf("Detail = %q, %v", v, ok)
	}
	if _, ok := issue.Detail("nope"); ok {
		t.Error("unknown detail key must not resolve")
	}
	if !issue.IsValid() {
		t.Error("built issue must be valid")
	}
}

func TestBuilderBranching(t *testing.T) {
	base := NewIssue(Error, E_MALFORMED_FIELD, "bad shape")
	a := base.WithDetail(DetailKeyFieldKey, "a").Build()
	b := base.WithDetail(DetailKeyFieldKey, "b").Build()

	if v, _ := a.Detail(DetailKeyFieldKey); v != "a" {
		t.Errorf("a detail = %q", v)
	}
	if v, _ := b.Detail(DetailKeyFieldKey); v != "b" {
		t.Errorf("branched builder aliased details: %q", v)
	}
}

func TestCollector_CountsAndLimit(t *testing.T) {
	c := NewCollector(2)
	c.Collect(NewIssue(Error, E_MALFORMED_FIELD, "one").Build())
	c.Collect(NewIssue(Warning, E_DANGLING_REF, "two").Build())
	c.Collect(NewIssue(Info, E_STORAGE, "dropped").Build())

	result := c.Result()
	if result.Len() != 2 {
		t.Errorf("Len = %d, want 2", result.Len())
	}
	if result.DroppedCount() != 1 {
		t.Errorf("DroppedCount = %d, want 1", result.DroppedCount())
	}
	if result.ErrorCount() != 1 || result.WarningCount() != 1 {
		t.Errorf("counts = %d errors, %d warnings", result.ErrorCount(), result.WarningCount())
	}
	if result.OK() {
		t.Error("result with errors must not be OK")
	}
}

func TestCollector_PanicsOnInvalidIssue(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("collecting a zero issue must panic")
		}
	}()
	NewCollector(NoLimit).Collect(Issue{})
}

func TestResult_String(t *testing.T) {
	if OK().String() != "ok" {
		t.Errorf("empty result String = %q", OK().String())
	}

	c := NewCollector(NoLimit)
	c.Collect(NewIssue(Error, E_MISSING_TYPENAME, "no typename").WithPath("$.item").Build())
	s := c.Result().String()
	for _, want := range []string{"error", "E_MISSING_TYPENAME", "$.item", "no typename"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}

func TestResult_IssuesIterator(t *testing.T) {
	c := NewCollector(NoLimit)
	c.Collect(NewIssue(Info, E_STORAGE, "a").Build())
	c.Collect(NewIssue(Info, E_STORAGE, "b").Build())

	var msgs []string
	for issue := range c.Result().Issues() {
		msgs = append(msgs, issue.Message())
	}
	if len(msgs) != 2 || msgs[0] != "a" || msgs[1] != "b" {
		t.Errorf("iterator yielded %v", msgs)
	}
}
