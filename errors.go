package localfirst

import (
	"context"
	stderrors "errors"
	"net"
	"net/url"

	"github.com/jmgilman/go/errors"
)

// Error codes owned by this package. Network failures use errors.CodeNetwork
// and backend overload uses errors.CodeUnavailable, both retryable.
const (
	CodeStorageQuotaExceeded errors.ErrorCode = "STORAGE_QUOTA_EXCEEDED"
	CodeFetchFailed          errors.ErrorCode = "FETCH_FAILED"
)

// ErrNetworkUnavailable is returned by fetchers and appliers that know the
// network is down without attempting a request.
var ErrNetworkUnavailable = errors.New(errors.CodeNetwork, "network unavailable")

// QuotaExceeded builds the error returned by a store write that would exceed
// its quota.
func QuotaExceeded(key string, size, quota int64) error {
	return errors.WithContextMap(
		errors.New(CodeStorageQuotaExceeded, "storage quota exceeded"),
		map[string]interface{}{"key": key, "size": size, "quota": quota},
	)
}

// NetworkUnavailable wraps a transport failure as a retryable network error.
func NetworkUnavailable(err error, message string) error {
	return errors.Wrap(err, errors.CodeNetwork, message)
}

func asNetworkError(err error, message string) error {
	if hasCode(err, errors.CodeNetwork) {
		return err
	}
	return NetworkUnavailable(err, message)
}

// FetchFailed wraps a remote failure. The classification of an already coded
// cause is preserved.
func FetchFailed(err error, message string) error {
	return errors.Wrap(err, CodeFetchFailed, message)
}

// IsQuotaExceeded reports whether err, or any error it wraps, is a quota error.
func IsQuotaExceeded(err error) bool {
	return hasCode(err, CodeStorageQuotaExceeded)
}

// IsNetworkError reports whether err indicates the remote end was unreachable
// rather than that it answered with a failure.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if hasCode(err, errors.CodeNetwork) || hasCode(err, errors.CodeTimeout) {
		return true
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return stderrors.As(err, &urlErr)
}

func hasCode(err error, code errors.ErrorCode) bool {
	for err != nil {
		if pe, ok := err.(errors.PlatformError); ok && pe.Code() == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}
