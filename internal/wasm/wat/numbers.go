package wat

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// stripUnderscores removes the digit-group separators the text format
// allows in numeric literals (e.g. "1_000_000").
func stripUnderscores(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}
	return strings.ReplaceAll(s, "_", "")
}

// parseUint64 parses a tokenUN literal (always non-negative, decimal or
// 0x-prefixed hex).
func parseUint64(text string) (uint64, error) {
	t := stripUnderscores(text)
	if strings.HasPrefix(t, "0x") || strings.HasPrefix(t, "0X") {
		return strconv.ParseUint(t[2:], 16, 64)
	}
	return strconv.ParseUint(t, 10, 64)
}

// parseInt64 parses a tokenUN or tokenSN literal as a signed value,
// respecting an explicit leading sign.
func parseInt64(text string) (int64, error) {
	t := stripUnderscores(text)
	neg := false
	if strings.HasPrefix(t, "+") {
		t = t[1:]
	} else if strings.HasPrefix(t, "-") {
		neg = true
		t = t[1:]
	}
	var v uint64
	var err error
	if strings.HasPrefix(t, "0x") || strings.HasPrefix(t, "0X") {
		v, err = strconv.ParseUint(t[2:], 16, 64)
	} else {
		v, err = strconv.ParseUint(t, 10, 64)
	}
	if err != nil {
		return 0, err
	}
	if neg {
		return -int64(v), nil
	}
	return int64(v), nil
}

// parseFloat64 parses a tokenFN (or plain decimal) literal, including the
// text format's `inf`/`nan`/`nan:0xHHH` special forms.
func parseFloat64(text string) (float64, error) {
	t := stripUnderscores(text)
	neg := false
	body := t
	if strings.HasPrefix(body, "+") {
		body = body[1:]
	} else if strings.HasPrefix(body, "-") {
		neg = true
		body = body[1:]
	}
	switch {
	case body == "inf":
		if neg {
			return math.Inf(-1), nil
		}
		return math.Inf(1), nil
	case body == "nan":
		return math.NaN(), nil
	case strings.HasPrefix(body, "nan:0x"):
		bits, err := strconv.ParseUint(body[6:], 16, 64)
		if err != nil {
			return 0, err
		}
		f := math.Float64frombits(0x7FF0000000000000 | bits)
		if neg {
			f = -f
		}
		return f, nil
	}
	v, err := strconv.ParseFloat(t, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float literal %q: %w", text, err)
	}
	return v, nil
}
