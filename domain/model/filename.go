package model

import (
	"regexp"
	"strings"
)

var (
	whitespaceRun  = regexp.MustCompile(`\s+`)
	filenameReject = regexp.MustCompile(`[^a-z0-9_.\-]+`)
	sheetReject    = regexp.MustCompile(`[\[\]:*?/\\]`)
)

// MaxSheetNameLength is the longest worksheet name accepted by spreadsheet applications.
const MaxSheetNameLength = 31

// MakeFilename derives the base file name of an output artifact from a
// logical table or grid name: lower-case, whitespace runs become a single
// underscore and every character outside [a-z0-9-_.] is dropped.
//
// Companion tooling computes the same name independently, so the mapping
// must stay stable.
func MakeFilename(name string) string {
	s := strings.ToLower(name)
	s = whitespaceRun.ReplaceAllString(s, "_")
	return filenameReject.ReplaceAllString(s, "")
}

// MakeSheetName derives a worksheet name from a logical name. Characters that
// spreadsheets reject are replaced with '_' and the result is truncated to
// MaxSheetNameLength runes. An empty result becomes "Sheet".
func MakeSheetName(name string) string {
	s := sheetReject.ReplaceAllString(strings.TrimSpace(name), "_")
	s = strings.Trim(s, "'")
	if r := []rune(s); len(r) > MaxSheetNameLength {
		s = string(r[:MaxSheetNameLength])
	}
	if s == "" {
		return "Sheet"
	}
	return s
}
