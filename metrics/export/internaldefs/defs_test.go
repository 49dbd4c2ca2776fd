package internaldefs

import (
	"strings"
	"testing"
)

func TestCumulative(t *testing.T) {
	got := Cumulative([]uint64{1, 2, 3})
	want := [8]uint64{1, 3, 6, 6, 6, 6, 6, 6}
	if got != want {
		t.Fatalf("Cumulative = %v, want %v", got, want)
	}
	if Cumulative(nil) != ([8]uint64{}) {
		t.Fatal("expected zero buckets for nil input")
	}
}

func TestNamesAreUniqueAndPrefixed(t *testing.T) {
	seen := make(map[string]bool)
	for _, def := range CounterDefs {
		if !strings.HasPrefix(def.Name, "portalauth_") || !strings.HasSuffix(def.Name, "_total") {
			t.Errorf("counter %q does not follow portalauth_*_total", def.Name)
		}
		if seen[def.Name] {
			t.Errorf("duplicate metric name %q", def.Name)
		}
		seen[def.Name] = true
	}
	for _, def := range HistogramDefs {
		if seen[def.Name] {
			t.Errorf("duplicate metric name %q", def.Name)
		}
		seen[def.Name] = true
	}
}
