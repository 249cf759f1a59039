package common

import "testing"

func TestNormalizeTxHash(t *testing.T) {
	cases := []struct {
		chain ChainType
		in    string
		want  string
	}{
		{ChainETH, " 0xABCDEF ", "abcdef"},
		{ChainETH, "abcdef", "abcdef"},
		{ChainBTC, "0xFEED", "feed"},
		{ChainSOL, " 5VERv8NMvzbJMEkV ", "5VERv8NMvzbJMEkV"},
	}
	for _, tc := range cases {
		if got := NormalizeTxHash(tc.chain, tc.in); got != tc.want {
			t.Fatalf("NormalizeTxHash(%s, %q) = %q, want %q", tc.chain, tc.in, got, tc.want)
		}
	}
}
