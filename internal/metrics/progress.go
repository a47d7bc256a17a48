package metrics

import (
	"fmt"
	"time"
)

// NotAvailable is shown when no estimate can be made yet
const NotAvailable = "N/A"

// Speed returns items per second processed since the run (re)started
func Speed(current, resumeStart int, elapsed time.Duration) float64 {
	done := current - resumeStart
	if done <= 0 || elapsed <= 0 {
		return 0
	}
	return float64(done) / elapsed.Seconds()
}

// ETA estimates the time left until target from the rate observed since start.
// ok is false while no new work has been done in this run or the target is unbounded.
func ETA(current, resumeStart, target int, start, now time.Time) (eta time.Duration, ok bool) {
	if target <= 0 || current <= resumeStart {
		return 0, false
	}
	if current >= target {
		return 0, true
	}
	speed := Speed(current, resumeStart, now.Sub(start))
	if speed <= 0 {
		return 0, false
	}
	left := float64(target-current) / speed
	return time.Duration(left * float64(time.Second)).Round(time.Second), true
}

// FormatETA renders ETA for logs and the progress bar
func FormatETA(current, resumeStart, target int, start, now time.Time) string {
	eta, ok := ETA(current, resumeStart, target, start, now)
	if !ok {
		return NotAvailable
	}
	return FormatDuration(eta)
}

// FormatDuration renders d as 1h02m03s, 4m05s or 6s
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
