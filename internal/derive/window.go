package derive

const dayMs = 86_400_000

// EpochDays returns unit days since the Unix epoch for a millisecond
// timestamp.
func EpochDays(nowMs int64) int64 {
	return nowMs / dayMs
}

// WindowID maps an epoch day to its accounting window. The mapping is
// the identity for one-day windows; it stays a distinct derivation
// input so sub-day windows only touch this function.
func WindowID(epochDays int64) int64 {
	return epochDays
}

// SecondsUntilWindowEnd returns the whole seconds remaining in the
// current window, rounded up. Always in (0, 86400]; counter TTLs are
// sized with it so entries expire with the window.
func SecondsUntilWindowEnd(nowMs int64) int64 {
	remaining := dayMs - nowMs%dayMs
	return (remaining + 999) / 1000
}

// InGracePeriod reports whether nowMs falls inside the midnight grace
// band: [00:00:00, graceSeconds) after midnight, half-open, or the open
// interval (24h-graceSeconds, 24:00:00) before it. The strict edges
// keep a request at exactly 23:59:00 or 00:01:00 out of the band.
func InGracePeriod(nowMs int64, graceSeconds int) bool {
	if graceSeconds <= 0 {
		return false
	}
	graceMs := int64(graceSeconds) * 1000
	into := nowMs % dayMs
	return into < graceMs || into > dayMs-graceMs
}
