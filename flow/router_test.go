package flow

import "testing"

func TestForWorkload(t *testing.T) {
	r := NewModelRouter(DefaultSettings())
	tests := []struct {
		workload Workload
		want     string
	}{
		{WorkloadPlanner, "mock-cheap"},
		{WorkloadReflection, "mock-expensive"},
		{WorkloadSynthesis, "mock-expensive"},
		{WorkloadExecutor, "mock-default"},
	}
	for _, tt := range tests {
		if got := r.ForWorkload(tt.workload); got != tt.want {
			t.Errorf("ForWorkload(%s) = %q, want %q", tt.workload, got, tt.want)
		}
	}
}

func TestForStep(t *testing.T) {
	r := NewModelRouter(DefaultSettings())
	tests := []struct {
		preference string
		fallback   Workload
		want       string
	}{
		{PreferenceCheap, WorkloadExecutor, "mock-cheap"},
		{PreferenceDefault, WorkloadPlanner, "mock-default"},
		{PreferenceExpensive, WorkloadExecutor, "mock-expensive"},
		{"", WorkloadExecutor, "mock-default"},
		{"", WorkloadPlanner, "mock-cheap"},
		{"bogus", WorkloadReflection, "mock-expensive"},
	}
	for _, tt := range tests {
		if got := r.ForStep(tt.preference, tt.fallback); got != tt.want {
			t.Errorf("ForStep(%q, %s) = %q, want %q", tt.preference, tt.fallback, got, tt.want)
		}
	}
}
