package depgraph

import "testing"

func TestPeekNextAscendingIndex(t *testing.T) {
	g, err := New([]string{"c", "a", "b"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var order []string
	for {
		name, ok := g.PeekNext()
		if !ok {
			break
		}
		order = append(order, name)
		g.Report(true)
	}
	want := []string{"c", "a", "b"}
	if !equal(order, want) {
		t.Fatalf("issuance order = %v, want %v", order, want)
	}
}

func TestDependencyOrdering(t *testing.T) {
	// b depends on a: a must be issued before b becomes ready.
	g, err := New([]string{"a", "b"}, map[string][]string{"b": {"a"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	name, ok := g.PeekNext()
	if !ok || name != "a" {
		t.Fatalf("first ready = %q, want a", name)
	}
	// PeekNext does not pop, so peeking again still yields a, not b.
	if again, _ := peekSkippingReport(g, false); again != "a" {
		t.Fatalf("b should not be ready before a reports; peek = %q", again)
	}
}

func peekSkippingReport(g *Graph, report bool) (string, bool) {
	name, ok := g.PeekNext()
	if ok {
		g.Report(report)
	}
	return name, ok
}

func TestSkipPropagation(t *testing.T) {
	g, err := New([]string{"A", "B"}, map[string][]string{"A": {"B"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	name, ok := g.PeekNext()
	if !ok || name != "B" {
		t.Fatalf("first ready = %q, want B", name)
	}
	g.Report(false) // B fails

	if _, ok := g.PeekNext(); ok {
		t.Fatal("A should never become ready since B failed")
	}

	// Skipped() lists every node never reported successful, in input order:
	// A (blocked by B) and B itself (which ran and failed).
	skipped := g.Skipped()
	if len(skipped) != 2 || skipped[0].Name != "A" || skipped[1].Name != "B" {
		t.Fatalf("Skipped() = %+v, want [A B]", skipped)
	}
	if skipped[0].Reason != "Skipped for failing `B`" {
		t.Fatalf("reason = %q", skipped[0].Reason)
	}
}

func TestUnknownDependencyRejected(t *testing.T) {
	_, err := New([]string{"a"}, map[string][]string{"a": {"ghost"}})
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestDeterminismGivenIdenticalDecisions(t *testing.T) {
	build := func() *Graph {
		g, _ := New([]string{"x", "y", "z"}, map[string][]string{"z": {"x", "y"}})
		return g
	}
	run := func() []string {
		g := build()
		var order []string
		for {
			name, ok := g.PeekNext()
			if !ok {
				break
			}
			order = append(order, name)
			g.Report(true)
		}
		return order
	}
	first := run()
	second := run()
	if !equal(first, second) {
		t.Fatalf("nondeterministic issuance: %v vs %v", first, second)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
