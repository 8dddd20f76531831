package bus

import "errors"

// ErrFabricClosed is returned when subscribing to a closed fabric.
var ErrFabricClosed = errors.New("event fabric is closed")
