package hub

import "errors"

var (
	// ErrStopped is returned by operations on a stopped hub.
	ErrStopped = errors.New("hub stopped")
	// ErrClientClosed is returned when a client connection is gone.
	ErrClientClosed = errors.New("client connection closed")
)

// responseError carries the error string a viewer returned for a request.
type responseError struct{ msg string }

func (e responseError) Error() string { return "viewer responded with error: " + e.msg }

// IsResponseError reports whether err was returned by the viewer's handler
// rather than by the transport.
func IsResponseError(err error) bool {
	var re responseError
	return errors.As(err, &re)
}
