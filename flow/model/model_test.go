package model

import "testing"

func TestWordCount(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 1},
		{"   ", 1},
		{"one", 1},
		{"two words", 2},
		{"  padded   out   text  ", 3},
	}
	for _, tt := range tests {
		if got := WordCount(tt.in); got != tt.want {
			t.Errorf("WordCount(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestJoinTextParts(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"hello"}, "hello"},
		{[]string{"hello", "world"}, "hello world"},
		{[]string{"", "hello", "", "world", ""}, "hello world"},
		{[]string{"  spaced  "}, "spaced"},
	}
	for _, tt := range tests {
		if got := JoinTextParts(tt.in); got != tt.want {
			t.Errorf("JoinTextParts(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
