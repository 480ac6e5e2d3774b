package dispatch

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// maxLabelLen is the gateway's label length limit.
const maxLabelLen = 64

var base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// UniqueLabel derives a collision-resistant session label from a base:
// <base>-<unixMillis>-<4 random base36 chars>, truncating the base so
// the result never exceeds the gateway limit. Uniqueness matters because
// the gateway dedupes sessions by label.
func UniqueLabel(base string) string {
	base = sanitizeLabelBase(base)
	suffix := "-" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + randomBase36(4)
	if len(base)+len(suffix) > maxLabelLen {
		base = base[:maxLabelLen-len(suffix)]
		base = strings.TrimRight(base, "-")
	}
	return base + suffix
}

// sanitizeLabelBase lowercases and keeps [a-z0-9-] only.
func sanitizeLabelBase(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "session"
	}
	return out
}

func randomBase36(n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(base36Alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// Timestamp in the label already disambiguates; fall back
			// to a fixed character rather than failing the spawn.
			out[i] = '0'
			continue
		}
		out[i] = base36Alphabet[idx.Int64()]
	}
	return string(out)
}
