package pipeline

import "errors"

var (
	ErrUnsupportedType = errors.New("unsupported content type")
	ErrEmptyOutput     = errors.New("step produced no markdown")
	ErrNoRawText       = errors.New("text item has no raw text")
	ErrNoSource        = errors.New("item has no source reference")
	ErrSourceMissing   = errors.New("source file not found in storage")
	ErrStepPanic       = errors.New("step panicked")
)
