package verification

import "errors"

// Sentinel errors for the verification service layer.
var (
	ErrEmptyUpload   = errors.New("upload has no rows")
	ErrUploadMissing = errors.New("uploaded object is missing")
)
