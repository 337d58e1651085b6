package secret

import "errors"

// Domain errors. Each is wrapped at the point of failure together with its
// cause, so callers can test with errors.Is and still see the underlying error.
var (
	ErrReconciliationFailed = errors.New("reconciliation failed")
	ErrSnapshotFailed       = errors.New("snapshot failed")
	ErrPullFailed           = errors.New("pull failed")
	ErrReformatFailed       = errors.New("reformat failed")
	ErrDecryptFailed        = errors.New("decrypt failed")

	ErrInvalidFormat = errors.New("invalid format")
	ErrInvalidBatch  = errors.New("invalid batch")
)
