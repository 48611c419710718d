package tracker

import "strings"

// Snapshot names and match keys are compared case-insensitively after
// truncation to this many characters. Two keys sharing a truncated prefix
// collide and both match the same process; the policy accepts that.
const matchKeyMaxLen = 24

// NormalizeMatchKey lowercases a name and truncates it to the comparison
// length.
func NormalizeMatchKey(name string) string {
	lowered := strings.ToLower(name)
	runes := []rune(lowered)
	if len(runes) > matchKeyMaxLen {
		return string(runes[:matchKeyMaxLen])
	}
	return lowered
}

// Matches reports whether a process name from a snapshot matches a program's
// match key under the truncated, case-insensitive comparison policy.
func Matches(snapshotName, matchKey string) bool {
	return NormalizeMatchKey(snapshotName) == NormalizeMatchKey(matchKey)
}
