package vstbridge

import "errors"

// Common errors returned by bridge and proxy operations.
var (
	// ErrImageNotFound is returned when no plugin image matching the proxy
	// library could be located.
	ErrImageNotFound = errors.New("plugin image not found")

	// ErrImageLoad is returned when a located image cannot be loaded or
	// exposes no usable entry point.
	ErrImageLoad = errors.New("plugin image failed to load")

	// ErrBadArchitecture is returned when an image's binary header is not a
	// recognized 32-bit or 64-bit format.
	ErrBadArchitecture = errors.New("unrecognized image architecture")

	// ErrChannelSetup is returned when any of the five category channels
	// cannot be established at startup. There is no degraded mode: this is
	// fatal to construction.
	ErrChannelSetup = errors.New("channel setup failed")

	// ErrProtocol is returned for malformed, truncated, or oversized
	// frames. A corrupted channel cannot be trusted for real-time audio, so
	// this is fatal to the session and never retried.
	ErrProtocol = errors.New("protocol error")

	// ErrSessionClosed is returned when operating on a session whose
	// channels have gone away.
	ErrSessionClosed = errors.New("session closed")

	// ErrHostNotFound is returned when the bridge host executable could not
	// be located next to the proxy library or on the search path.
	ErrHostNotFound = errors.New("bridge host executable not found")
)
