package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundtrip(t *testing.T) {
	h := Header{Seq: 0x1234, AckSeq: 0xabcd, AckVec: 0x8001, Checksum: 0xface}
	buf := make([]byte, HeaderLen)
	h.Encode(buf)
	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestChecksumDetectsCorruption(t *testing.T) {
	buf := make([]byte, HeaderLen+ResetPayloadLen)
	h := Header{Seq: 7, AckSeq: 9}
	h.Encode(buf)
	_, err := EncodeReset(buf[HeaderLen:], 123456789)
	require.NoError(t, err)

	seqno, ackSeq := uint64(7), uint64(9)
	ZeroChecksum(buf)
	cs := Checksum(buf, seqno, ackSeq)
	h.Checksum = cs
	h.Encode(buf)

	// the receiver zeroes the checksum field and recomputes: it should match
	verify := make([]byte, len(buf))
	copy(verify, buf)
	ZeroChecksum(verify)
	assert.Equal(t, cs, Checksum(verify, seqno, ackSeq))

	// corrupting a payload byte must change the recomputed checksum
	corrupt := make([]byte, len(buf))
	copy(corrupt, buf)
	corrupt[HeaderLen+1] ^= 0xff
	ZeroChecksum(corrupt)
	assert.NotEqual(t, cs, Checksum(corrupt, seqno, ackSeq))
}

func TestResetPayloadRoundtrip(t *testing.T) {
	buf := make([]byte, ResetPayloadLen)
	const ts = uint64(0x00AABBCCDDEEFF) // fits in 56 bits
	n, err := EncodeReset(buf, ts)
	require.NoError(t, err)
	assert.Equal(t, ResetPayloadLen, n)

	typ, err := PeekPayloadType(buf)
	require.NoError(t, err)
	assert.Equal(t, PayloadReset, typ)

	got, n2, err := DecodeReset(buf)
	require.NoError(t, err)
	assert.Equal(t, n, n2)
	assert.Equal(t, ts&((1<<56)-1), got)
}

func TestAReqPayloadRoundtrip(t *testing.T) {
	entries := []AReqEntry{
		{Dst: 1, CumulativeCount: 100},
		{Dst: 2, CumulativeCount: 200},
		{Dst: 3, CumulativeCount: 300},
	}
	buf := make([]byte, AReqLen(len(entries)))
	n, err := EncodeAReq(buf, entries)
	require.NoError(t, err)

	got, n2, err := DecodeAReq(buf)
	require.NoError(t, err)
	assert.Equal(t, n, n2)
	assert.Equal(t, entries, got)
}

func TestAReqTooManyEntries(t *testing.T) {
	entries := make([]AReqEntry, MaxAReqEntries+1)
	buf := make([]byte, AReqLen(len(entries)))
	_, err := EncodeAReq(buf, entries)
	assert.ErrorIs(t, err, ErrTooManyEntries)
}

func TestAllocPayloadRoundtrip(t *testing.T) {
	dsts := []uint16{10, 20, 30}
	grants := []AllocGrant{
		{DstIndex: 0, Gap: 2},    // skip
		{DstIndex: 1, Gap: 0},    // allocate to dsts[0]
		{DstIndex: 3, Gap: 5},    // allocate to dsts[2]
	}
	buf := make([]byte, AllocLen(len(dsts), len(grants)))
	n, err := EncodeAlloc(buf, 0x0abc, dsts, grants)
	require.NoError(t, err)

	got, n2, err := DecodeAlloc(buf)
	require.NoError(t, err)
	assert.Equal(t, n, n2)
	assert.Equal(t, uint16(0x0abc), got.BaseTslot)
	assert.Equal(t, dsts, got.Dsts)
	// three grants are padded to an even count with one zero skip byte
	assert.Equal(t, append(grants, AllocGrant{}), got.Grants)
}

func TestExtendedAckRoundtrip(t *testing.T) {
	buf := make([]byte, ExtendedAckLen)
	const bits = uint64(0x0A5A5A5A5A5) & ((1 << extendedAckBits) - 1)
	n, err := EncodeExtendedAck(buf, bits)
	require.NoError(t, err)

	got, n2, err := DecodeExtendedAck(buf)
	require.NoError(t, err)
	assert.Equal(t, n, n2)
	assert.Equal(t, bits, got)
}

func TestAckVecRoundtrip(t *testing.T) {
	var received uint64 = 1 // offset 0 always
	received |= 1 << 3
	received |= 1 << 15

	v := EncodeAckVec(received, false)
	got := DecodeAckVec(v)
	assert.Equal(t, received, got)

	vTail := EncodeAckVec(received, true)
	gotTail := DecodeAckVec(vTail)
	assert.Equal(t, ^uint64(0)<<16|received, gotTail)
}

func TestApplyExtendedAck(t *testing.T) {
	base := DecodeAckVec(EncodeAckVec(1, true)) // tail flag set: bits 16..63 all 1
	merged := ApplyExtendedAck(base, 0)          // but precisely 0 for offsets 16..59
	assert.Zero(t, merged&(((uint64(1)<<44)-1)<<16))
	assert.NotZero(t, merged&(uint64(0xf)<<60)) // offsets 60..63 still from tail flag
}

func TestSeqnoReconstruction(t *testing.T) {
	const full = uint64(1) << 40
	wire := uint16(full & 0xffff)
	got := ReconstructSeqno(wire, full-10)
	assert.Equal(t, full, got)

	wireAck := uint16((full - 5) & 0xffff)
	gotAck := ReconstructAckSeq(wireAck, full+1<<16)
	assert.Equal(t, full-5, gotAck)
}

func TestResetTimestampReconstruction(t *testing.T) {
	const now = uint64(1) << 50
	const trueT = now - 1000
	wireLow56 := trueT & ((1 << 56) - 1)
	got := ReconstructResetTimestamp(wireLow56, now)
	assert.Equal(t, trueT, got)
}

func TestBaseSeqnoDeterministic(t *testing.T) {
	a := BaseSeqno(12345)
	b := BaseSeqno(12345)
	assert.Equal(t, a, b)
	assert.NotEqual(t, BaseSeqno(12345), BaseSeqno(12346))
}
