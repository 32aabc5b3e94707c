package history

import (
	"fmt"
	"math"
	"strconv"
)

const (
	timestampRadix = 36
	msPerSecond    = 1000
)

// EncodeTimestamp renders a millisecond epoch timestamp as a base-36 count of
// whole seconds. Sub-second precision is dropped to keep packed entries short.
// Negative input is treated as zero.
func EncodeTimestamp(ms int64) string {
	if ms < 0 {
		ms = 0
	}

	return strconv.FormatInt(ms/msPerSecond, timestampRadix)
}

// DecodeTimestamp is the inverse of EncodeTimestamp, exact up to the dropped
// sub-second part.
func DecodeTimestamp(token string) (int64, error) {
	secs, err := strconv.ParseInt(token, timestampRadix, 64)
	if err != nil {
		return 0, fmt.Errorf("history: decoding timestamp %q: %w", token, err)
	}

	if secs < 0 || secs > math.MaxInt64/msPerSecond {
		return 0, fmt.Errorf("history: timestamp %q out of range", token)
	}

	return secs * msPerSecond, nil
}
