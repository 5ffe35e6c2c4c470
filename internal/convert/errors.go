package convert

import "errors"

var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrNoText            = errors.New("no text extracted")
	ErrCorruptDocument   = errors.New("corrupt document")
	ErrTooLarge          = errors.New("input too large")
	ErrNoTranscriber     = errors.New("no transcription command configured")

	ErrFetch          = errors.New("fetch failed")
	ErrBrowserConnect = errors.New("failed to connect to browser")
	ErrPageLoad       = errors.New("failed to load page")
)
