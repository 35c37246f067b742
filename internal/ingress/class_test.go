package ingress

import "testing"

func TestInternalClassConfigEqual(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		a, b *InternalClassConfig
		want bool
	}{
		{name: "other nil", a: &InternalClassConfig{LBConfPath: "/opt"}, b: nil, want: false},
		{name: "both nil", a: nil, b: nil, want: true},
		{name: "same path", a: &InternalClassConfig{LBConfPath: "/opt"}, b: &InternalClassConfig{LBConfPath: "/opt"}, want: true},
		{name: "different path", a: &InternalClassConfig{LBConfPath: "/opt"}, b: &InternalClassConfig{LBConfPath: "/etc"}, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Fatalf("Equal = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTaskPluginConfigEqualComparesClass(t *testing.T) {
	t.Parallel()
	a := &TaskPluginConfig{ID: "p", Class: InternalClass}
	b := &TaskPluginConfig{ID: "p", Class: ExternalClass}
	if a.Equal(b) {
		t.Fatal("configs with different classes reported equal")
	}
}

func TestTaskPluginConfigCopy(t *testing.T) {
	t.Parallel()
	orig := &TaskPluginConfig{
		ID:       "123",
		Provider: "traefik",
		Version:  "3.0",
		Class:    InternalClass,
		Internal: &InternalClassConfig{LBConfPath: "/opt"},
	}
	cp := orig.Copy()
	if !orig.Equal(cp) {
		t.Fatalf("copy not equal: %#v vs %#v", orig, cp)
	}
	cp.Internal.LBConfPath = "/other"
	if orig.Internal.LBConfPath != "/opt" {
		t.Fatal("Copy shares the internal class config")
	}

	var nilCfg *TaskPluginConfig
	if nilCfg.Copy() != nil {
		t.Fatal("nil Copy should be nil")
	}
}

func TestClassValid(t *testing.T) {
	t.Parallel()
	if !InternalClass.Valid() || !ExternalClass.Valid() {
		t.Fatal("known classes must be valid")
	}
	if Class("cloud").Valid() {
		t.Fatal("unknown class must be invalid")
	}
}
