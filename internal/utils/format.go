package utils

import (
	"fmt"
	"math"
	"time"
)

// HumanBytes converts a byte count into a human-readable form (KB, MB, GB...).
func HumanBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}

	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}

	exp := int64(math.Log(float64(n)) / math.Log(unit))
	pre := "KMGTPE"[exp-1]
	return fmt.Sprintf("%.1f %cB", float64(n)/math.Pow(unit, float64(exp)), pre)
}

// HumanRate renders a throughput value as bytes per second.
func HumanRate(bps float64) string {
	if bps < 0 {
		bps = 0
	}
	return HumanBytes(int64(bps)) + "/s"
}

// FormatETA renders a duration as HH:MM:SS, or MM:SS when under an hour.
// Negative or unknown durations render as a dash.
func FormatETA(d time.Duration) string {
	if d < 0 {
		return "--:--"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
