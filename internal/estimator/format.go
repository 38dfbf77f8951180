package estimator

import (
	"fmt"
	"time"
)

// FormatDuration renders a remaining-time estimate: "1h 23m 45s",
// "4m 05s" or "5s". Partial seconds are dropped. Unavailable or negative
// estimates render as "N/A".
func FormatDuration(d time.Duration, ok bool) string {
	if !ok || d < 0 {
		return "N/A"
	}
	total := int64(d.Truncate(time.Second) / time.Second)
	h, m, s := total/3600, (total%3600)/60, total%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
