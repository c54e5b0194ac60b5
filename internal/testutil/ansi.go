package testutil

import "regexp"

// ansiSeq matches CSI sequences (colors, underline, cursor movement)
// including private-mode parameters.
var ansiSeq = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// StripANSI removes terminal styling so CLI table output can be compared
// as plain text.
func StripANSI(s string) string {
	return ansiSeq.ReplaceAllString(s, "")
}
