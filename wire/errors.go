package wire

import "errors"

var (
	// ErrShortPacket is returned when a buffer is too small to contain the
	// structure being decoded.
	ErrShortPacket = errors.New("wire: packet too short")
	// ErrBufferTooSmall is returned by encoders when the destination buffer
	// cannot hold the encoded form; the caller must allocate a larger one.
	ErrBufferTooSmall = errors.New("wire: destination buffer too small")
	// ErrTooManyEntries is returned when a caller exceeds a payload's fixed
	// capacity (e.g. more than 15 A-REQ entries, or more than 15
	// destinations in an ALLOC).
	ErrTooManyEntries = errors.New("wire: too many entries for payload")
)
