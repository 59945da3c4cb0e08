package publisher

import (
	"fmt"

	"github.com/BearBump/LiveTrack/internal/integrations/geolocation"
	"github.com/pkg/errors"
)

// ErrorKind is the classified cause of a geolocation failure.
type ErrorKind string

const (
	KindPermissionDenied ErrorKind = "permission_denied"
	KindUnavailable      ErrorKind = "unavailable"
	KindTimeout          ErrorKind = "timeout"
	KindUnknown          ErrorKind = "unknown"
)

func Classify(err error) ErrorKind {
	var gerr *geolocation.Error
	if !errors.As(err, &gerr) {
		return KindUnknown
	}
	switch gerr.Code {
	case geolocation.CodePermissionDenied:
		return KindPermissionDenied
	case geolocation.CodePositionUnavailable:
		return KindUnavailable
	case geolocation.CodeTimeout:
		return KindTimeout
	default:
		return KindUnknown
	}
}

func failureMessage(kind ErrorKind, err error) string {
	switch kind {
	case KindPermissionDenied:
		return "Location permission denied. Allow location access to share your position."
	case KindUnavailable:
		return "Location information is unavailable. Check that GPS is turned on."
	case KindTimeout:
		return "Location request timed out, retrying…"
	default:
		return fmt.Sprintf("Location error: %v. Tracking will resume automatically.", err)
	}
}
