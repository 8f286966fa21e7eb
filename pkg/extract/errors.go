package extract

import "errors"

// ErrObjectNotFound is returned when the image ref does not resolve to a
// stored object. Callers can distinguish this from transient OCR failures.
var ErrObjectNotFound = errors.New("stored object not found")
