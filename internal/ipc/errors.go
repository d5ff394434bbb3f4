package ipc

import "errors"

// Sentinel errors for control protocol handling. These enable callers to
// programmatically distinguish failure modes using errors.Is.
var (
	ErrUnknownMessage  = errors.New("ipc: unknown message type")
	ErrUnknownSession  = errors.New("ipc: unknown session")
	ErrUnknownStream   = errors.New("ipc: unknown stream")
	ErrDeviceGone      = errors.New("ipc: device unavailable")
	ErrFormatUnsettled = errors.New("ipc: device format not yet known")
)
