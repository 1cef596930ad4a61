package caller

import "errors"

// ErrUnavailable is returned when an optional component is not configured.
var ErrUnavailable = errors.New("component not configured")
