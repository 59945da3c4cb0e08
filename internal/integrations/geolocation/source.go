// Package geolocation abstracts the device location source and the
// location permission state.
package geolocation

import (
	"fmt"
	"time"
)

type WatchOptions struct {
	HighAccuracy bool
	// Timeout bounds how long one fix may take before the watch reports
	// a Timeout error.
	Timeout time.Duration
	// MaximumAge is the oldest cached fix the source may hand out.
	MaximumAge time.Duration
}

type Fix struct {
	Latitude  float64
	Longitude float64
	// Timestamp is zero when the source does not report capture time.
	Timestamp time.Time
}

// Code mirrors the W3C PositionError codes.
type Code int

const (
	CodePermissionDenied    Code = 1
	CodePositionUnavailable Code = 2
	CodeTimeout             Code = 3
)

func (c Code) String() string {
	switch c {
	case CodePermissionDenied:
		return "permission_denied"
	case CodePositionUnavailable:
		return "position_unavailable"
	case CodeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("code_%d", int(c))
	}
}

type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "geolocation: " + e.Code.String()
	}
	return "geolocation: " + e.Code.String() + ": " + e.Message
}

// Handle identifies one live watch.
type Handle uint64

// Source starts and stops continuous watches. Callbacks may be invoked on
// any goroutine, including synchronously from Watch.
type Source interface {
	Watch(opts WatchOptions, onFix func(Fix), onError func(error)) Handle
	Unwatch(h Handle)
}

type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionPrompt  PermissionState = "prompt"
)

// PermissionObserver is optional; platforms without change notifications
// simply do not provide one.
type PermissionObserver interface {
	State() PermissionState
	Subscribe(fn func(PermissionState)) (unsubscribe func())
}
