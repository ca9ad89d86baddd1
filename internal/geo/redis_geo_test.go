package geo

import "testing"

func TestParseOnline(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"true", true},
		{"1", true},
		{"false", false},
		{"0", false},
		{"", false},
		{"garbage", false},
	}
	for _, tc := range cases {
		if got := parseOnline(tc.in); got != tc.want {
			t.Errorf("parseOnline(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
