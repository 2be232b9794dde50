package rpc

import (
	"strings"
)

func transformRuneToPrintable(r rune) rune {
	if r >= 32 && r < 127 {
		return r
	}
	return '.'
}

// logString renders a raw message for the log; separators become dots.
func logString(str string) string {
	return strings.Map(transformRuneToPrintable, str)
}
