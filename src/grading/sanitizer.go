package grading

import "regexp"

// sanitizerWarningPattern flags sanitizer diagnostics on a run's stderr
// (ASan/UBSan's "runtime error:" and MSan/TSan's "==ERROR" banner),
// case-insensitively, matching the narrow heuristic the engine this is
// grounded on uses instead of parsing sanitizer output structurally.
var sanitizerWarningPattern = regexp.MustCompile(`(?i)(runtime error:|==error)`)

func hasSanitizerWarnings(text string) bool {
	return sanitizerWarningPattern.MatchString(text)
}

// compilerWarningPattern flags compiler warning lines on a compile
// step's combined output, filtered by filename so that a warning
// mentioned only in passing (e.g. quoted inside an error message) isn't
// double counted; this mirrors the file-name-filtered regex the compile
// step scaffold uses to set PreprocessLog.Warnings.
var compilerWarningPattern = regexp.MustCompile(`(?m)^.+:\d+:\d+:\s*warning:`)

func hasCompilerWarnings(text string) bool {
	return compilerWarningPattern.MatchString(text)
}
