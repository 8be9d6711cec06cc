package dispatch

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ParseAgentTime reads the system time an agent reports in reply to a ping,
// either RFC 3339 or unix seconds with an optional fraction.
func ParseAgentTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) || secs <= 0 {
		return time.Time{}, fmt.Errorf("unrecognized agent time %q", s)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC(), nil
}
