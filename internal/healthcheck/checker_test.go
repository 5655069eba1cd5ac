package healthcheck

import (
	"context"
	"testing"
)

type staticChecker []CheckResult

func (c staticChecker) ListChecks(context.Context) []CheckResult { return c }

func TestRunSkipsNilCheckers(t *testing.T) {
	t.Parallel()

	items := Run(context.Background(),
		staticChecker{{ID: "a", Status: StatusOK}},
		nil,
		staticChecker{{ID: "b", Status: StatusWarn}},
	)
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].ID != "a" || items[1].ID != "b" {
		t.Fatalf("unexpected order: %+v", items)
	}
}

func TestOverall(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		items []CheckResult
		want  string
	}{
		{name: "empty", want: StatusOK},
		{name: "all ok", items: []CheckResult{{Status: StatusOK}, {Status: StatusOK}}, want: StatusOK},
		{name: "warn", items: []CheckResult{{Status: StatusOK}, {Status: StatusWarn}}, want: StatusWarn},
		{name: "error wins", items: []CheckResult{{Status: StatusError}, {Status: StatusWarn}}, want: StatusError},
	}
	for _, tc := range cases {
		if got := Overall(tc.items); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}
