package wire

import "encoding/binary"

// HeaderLen is the fixed size, in bytes, of every fastpass packet's header.
const HeaderLen = 8

// Header is the 8-byte prefix of every packet: low 16 bits of the sender's
// sequence number, low 16 bits of the highest in-order received sequence
// number, the selective-ack vector, and the checksum.
type Header struct {
	Seq      uint16
	AckSeq   uint16
	AckVec   uint16
	Checksum uint16
}

// Encode writes the header into the first HeaderLen bytes of buf.
func (h Header) Encode(buf []byte) {
	_ = buf[HeaderLen-1]
	binary.BigEndian.PutUint16(buf[0:2], h.Seq)
	binary.BigEndian.PutUint16(buf[2:4], h.AckSeq)
	binary.BigEndian.PutUint16(buf[4:6], h.AckVec)
	binary.BigEndian.PutUint16(buf[6:8], h.Checksum)
}

// DecodeHeader parses the header from the front of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, ErrShortPacket
	}
	return Header{
		Seq:      binary.BigEndian.Uint16(buf[0:2]),
		AckSeq:   binary.BigEndian.Uint16(buf[2:4]),
		AckVec:   binary.BigEndian.Uint16(buf[4:6]),
		Checksum: binary.BigEndian.Uint16(buf[6:8]),
	}, nil
}

// ZeroChecksum clears the checksum field in buf, as required before
// recomputing it.
func ZeroChecksum(buf []byte) {
	_ = buf[7]
	buf[6], buf[7] = 0, 0
}

// nearestWrap reconstructs a full 64-bit sequence number from its low
// 16 wire bits, choosing the candidate closest to expected (the value the
// receiver would predict absent loss or reordering). This is the generic
// form of the "closest to expected" reconstruction required for both
// regular-packet seqnos and ack_seq.
func nearestWrap(wireLow16 uint16, expected uint64) uint64 {
	base := expected &^ 0xffff
	candidate := base | uint64(wireLow16)

	// the true value is within +/-32768 of expected; base|wireLow16 might be
	// off by one 16-bit period in either direction.
	best := candidate
	bestDelta := absInt64(int64(candidate) - int64(expected))
	for _, cand := range [2]uint64{candidate + 0x10000, candidate - 0x10000} {
		if d := absInt64(int64(cand) - int64(expected)); d < bestDelta {
			best, bestDelta = cand, d
		}
	}
	return best
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// ReconstructSeqno reconstructs the full sequence number of a regular
// (non-RESET) packet from its wire-carried low bits, given the receiver's
// current in_max_seqno: the reconstructed value lands near
// in_max_seqno - 2^14.
func ReconstructSeqno(wireSeq uint16, inMaxSeqno uint64) uint64 {
	return nearestWrap(wireSeq, inMaxSeqno-(1<<14))
}

// ReconstructAckSeq reconstructs the full ack_seq of a regular packet from
// its wire-carried low bits, given the sender's current outgoing window
// head: the reconstructed value lands near out_head - 2^16 + 1.
func ReconstructAckSeq(wireAckSeq uint16, outHead uint64) uint64 {
	return nearestWrap(wireAckSeq, outHead-(1<<16)+1)
}

// ReconstructResetTimestamp reconstructs the full 64-bit reset timestamp
// from the low 56 bits carried on the wire, given the current time "now":
// the candidate is derived from now - 2^55 and folded to the nearest
// period match.
func ReconstructResetTimestamp(wireLow56 uint64, now uint64) uint64 {
	const mask56 = (uint64(1) << 56) - 1
	wireLow56 &= mask56
	base := (now - (1 << 55)) &^ mask56
	candidate := base | wireLow56
	best := candidate
	bestDelta := absInt64(int64(candidate) - int64(now))
	for _, cand := range [2]uint64{candidate + (mask56 + 1), candidate - (mask56 + 1)} {
		if d := absInt64(int64(cand) - int64(now)); d < bestDelta {
			best, bestDelta = cand, d
		}
	}
	return best
}
