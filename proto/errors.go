package proto

import "errors"

// errBadChecksum is returned by Receive when a packet's checksum does not
// match; it is not separately exported since callers should consult
// Counters.BadChecksum rather than branch on this specific error.
var errBadChecksum = errors.New("proto: bad checksum")
