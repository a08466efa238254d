package tester

import "errors"

var (
	// ErrAutomation marks failures of the browser: launch, navigation or
	// in-page extraction.
	ErrAutomation = errors.New("automation failure")

	// ErrIncompleteResult is returned when the run ended without a reading
	// that carries every required value.
	ErrIncompleteResult = errors.New("no usable result")
)
