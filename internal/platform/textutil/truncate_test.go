package textutil

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	cases := []struct {
		name  string
		value string
		limit int
		want  string
	}{
		{name: "shorter", value: "abc", limit: 5, want: "abc"},
		{name: "exact", value: "abc", limit: 3, want: "abc"},
		{name: "ascii", value: "abcdef", limit: 4, want: "abcd"},
		{name: "accented", value: "élégant", limit: 3, want: "élé"},
		{name: "cjk", value: "指輪の返品", limit: 2, want: "指輪"},
		{name: "emoji", value: "ok👍👍", limit: 3, want: "ok👍"},
		{name: "zero", value: "abc", limit: 0, want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Truncate(tc.value, tc.limit)
			if got != tc.want {
				t.Fatalf("expected %q got %q", tc.want, got)
			}
			if !utf8.ValidString(got) {
				t.Fatalf("truncated value %q is not valid utf-8", got)
			}
		})
	}

	t.Run("long multibyte text", func(t *testing.T) {
		got := Truncate(strings.Repeat("é", 600), 512)
		if !utf8.ValidString(got) || utf8.RuneCountInString(got) != 512 {
			t.Fatalf("expected 512 valid characters, got %d", utf8.RuneCountInString(got))
		}
	})
}
