package ingress

import (
	"math"
	"reflect"
	"testing"
)

func TestControllersHealthyProportion(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		healthy  int
		expected int
		want     float64
	}{
		{name: "partial", healthy: 7, expected: 10, want: 0.7},
		{name: "all healthy", healthy: 3, expected: 3, want: 1},
		{name: "none healthy", healthy: 0, expected: 4, want: 0},
		{name: "one of three", healthy: 1, expected: 3, want: 1.0 / 3.0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p := Plugin{ControllersHealthy: tt.healthy, ControllersExpected: tt.expected}
			got := p.ControllersHealthyProportion()
			if got != tt.want {
				t.Fatalf("proportion = %v, want %v", got, tt.want)
			}
			if got < 0 || got > 1 {
				t.Fatalf("proportion %v outside [0,1]", got)
			}
		})
	}
}

func TestControllersHealthyProportionZeroExpected(t *testing.T) {
	t.Parallel()

	p := Plugin{ControllersHealthy: 0, ControllersExpected: 0}
	if got := p.ControllersHealthyProportion(); !math.IsNaN(got) {
		t.Fatalf("0/0 = %v, want NaN", got)
	}

	p = Plugin{ControllersHealthy: 5, ControllersExpected: 0}
	if got := p.ControllersHealthyProportion(); !math.IsInf(got, 1) {
		t.Fatalf("5/0 = %v, want +Inf", got)
	}
}

func TestProportionIgnoresControllerListLength(t *testing.T) {
	t.Parallel()
	p := Plugin{
		Controllers:         []Controller{{ID: "a", Healthy: true}},
		ControllersHealthy:  2,
		ControllersExpected: 4,
	}
	if got := p.ControllersHealthyProportion(); got != 0.5 {
		t.Fatalf("proportion = %v, want 0.5", got)
	}
}

func TestProportionTracksCountChanges(t *testing.T) {
	t.Parallel()
	p := Plugin{ControllersHealthy: 1, ControllersExpected: 2}
	if got := p.ControllersHealthyProportion(); got != 0.5 {
		t.Fatalf("proportion = %v, want 0.5", got)
	}
	p.ControllersHealthy = 2
	if got := p.ControllersHealthyProportion(); got != 1 {
		t.Fatalf("proportion after update = %v, want 1", got)
	}
}

func TestBreadcrumbs(t *testing.T) {
	t.Parallel()
	p := Plugin{PlainID: "plugin-abc"}
	got := p.Breadcrumbs()
	want := []Breadcrumb{
		{Label: "Plugins", Target: RoutePluginList, Args: []string{}},
		{Label: "plugin-abc", Target: RoutePluginDetail, Args: []string{"plugin-abc"}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("breadcrumbs = %#v, want %#v", got, want)
	}
}

func TestBreadcrumbsEmptyID(t *testing.T) {
	t.Parallel()
	got := Plugin{}.Breadcrumbs()
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[1].Label != "" || len(got[1].Args) != 1 || got[1].Args[0] != "" {
		t.Fatalf("unexpected detail crumb: %#v", got[1])
	}
}

func TestReadsAreIdempotent(t *testing.T) {
	t.Parallel()
	p := Plugin{
		PlainID:             "nginx",
		Provider:            "nginx-inc",
		Version:             "1.2.3",
		Controllers:         []Controller{{ID: "c1"}, {ID: "c2"}},
		ControllersHealthy:  0,
		ControllersExpected: 0,
	}
	before := p.Copy()

	if a, b := p.Breadcrumbs(), p.Breadcrumbs(); !reflect.DeepEqual(a, b) {
		t.Fatalf("breadcrumbs differ between reads: %#v vs %#v", a, b)
	}
	// NaN != NaN, so compare by classification.
	if !math.IsNaN(p.ControllersHealthyProportion()) || !math.IsNaN(p.ControllersHealthyProportion()) {
		t.Fatal("expected NaN on both reads")
	}
	if !reflect.DeepEqual(p, before) {
		t.Fatalf("plugin mutated by reads: %#v vs %#v", p, before)
	}
}

func TestControllerOrderPreserved(t *testing.T) {
	t.Parallel()
	in := []Controller{{ID: "z"}, {ID: "a"}, {ID: "m"}}
	p := Plugin{Controllers: in}
	cp := p.Copy()
	for i := range in {
		if cp.Controllers[i].ID != in[i].ID {
			t.Fatalf("order changed at %d: %s != %s", i, cp.Controllers[i].ID, in[i].ID)
		}
	}
	cp.Controllers[0].ID = "changed"
	if p.Controllers[0].ID != "z" {
		t.Fatal("Copy shares the controller slice")
	}
}

func TestStub(t *testing.T) {
	t.Parallel()
	p := Plugin{PlainID: "p", Provider: "haproxy", Version: "2.8", ControllersHealthy: 7, ControllersExpected: 10}
	s := p.Stub()
	if s.PlainID != "p" || s.Provider != "haproxy" || s.Version != "2.8" {
		t.Fatalf("unexpected stub identity: %#v", s)
	}
	if s.ControllersHealthyProportion() != p.ControllersHealthyProportion() {
		t.Fatalf("stub proportion %v != plugin proportion %v", s.ControllersHealthyProportion(), p.ControllersHealthyProportion())
	}
}
