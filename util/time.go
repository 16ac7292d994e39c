package util

import (
	"fmt"
	"time"
)

// FormatDelta renders a duration with two decimal places of seconds, for
// exchange timing log lines.
func FormatDelta(d time.Duration) string {
	return fmt.Sprintf("%.2fs", d.Seconds())
}
