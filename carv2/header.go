// Package carv2 implements the CARv2 container format: a fixed pragma and
// header wrapping a CARv1 payload plus an optional index, per spec.md §4.B.
package carv2

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// Pragma is the fixed 11-byte CARv2 magic: the CBOR encoding of
// {"version": 2}. Grounded on original_source/storage/mater/src/v2/writer.rs's
// write_header, which emits this exact byte sequence before the header.
var Pragma = [11]byte{0x0a, 0xa1, 0x67, 'v', 'e', 'r', 's', 'i', 'o', 'n', 0x02}

// headerSize is the on-disk size of the V2 header: a u128 characteristics
// field followed by three u64 offsets/sizes.
const headerSize = 16 + 8 + 8 + 8

// FullyIndexedBit is bit 127 of the characteristics field: the high bit of
// the little-endian u128, i.e. the top bit of its last (16th) byte as
// written.
const FullyIndexedBit = uint64(1) << 63

// Header is the 40-byte CARv2 header, per spec.md §4.B.
type Header struct {
	// Characteristics is a 128-bit bitfield; only bit 127 ("fully-indexed")
	// is defined by this implementation, so it is represented as two
	// 64-bit halves (Hi holds bit 127).
	CharacteristicsHi uint64
	CharacteristicsLo uint64
	DataOffset        uint64
	DataSize          uint64
	IndexOffset       uint64
}

// NewHeader builds a Header for a CARv1 payload at the given offset/size,
// with the index written immediately after it. fullyIndexed sets bit 127 of
// the characteristics field, mirroring original_source's
// Characteristics::new(fully_indexed bool).
func NewHeader(fullyIndexed bool, dataOffset, dataSize, indexOffset uint64) Header {
	h := Header{
		DataOffset:  dataOffset,
		DataSize:    dataSize,
		IndexOffset: indexOffset,
	}
	if fullyIndexed {
		h.CharacteristicsHi = FullyIndexedBit
	}
	return h
}

// FullyIndexed reports whether the fully-indexed characteristic bit is set.
func (h Header) FullyIndexed() bool {
	return h.CharacteristicsHi&FullyIndexedBit != 0
}

// WriteTo writes the pragma followed by the 40-byte header, little-endian
// per spec.md §4.B.
func (h Header) WriteTo(w io.Writer) (int64, error) {
	if _, err := w.Write(Pragma[:]); err != nil {
		return 0, xerrors.Errorf("writing carv2 pragma: %w", err)
	}
	var buf [headerSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], h.CharacteristicsLo)
	binary.LittleEndian.PutUint64(buf[8:16], h.CharacteristicsHi)
	binary.LittleEndian.PutUint64(buf[16:24], h.DataOffset)
	binary.LittleEndian.PutUint64(buf[24:32], h.DataSize)
	binary.LittleEndian.PutUint64(buf[32:40], h.IndexOffset)
	if _, err := w.Write(buf[:]); err != nil {
		return 0, xerrors.Errorf("writing carv2 header: %w", err)
	}
	return int64(len(Pragma) + headerSize), nil
}

// ReadHeader reads and validates the pragma, then decodes the 40-byte
// header that follows.
func ReadHeader(r io.Reader) (Header, error) {
	var pragma [11]byte
	if _, err := io.ReadFull(r, pragma[:]); err != nil {
		return Header{}, xerrors.Errorf("reading carv2 pragma: %w", err)
	}
	if pragma != Pragma {
		return Header{}, xerrors.Errorf("unrecognized carv2 pragma %x", pragma)
	}

	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, xerrors.Errorf("reading carv2 header: %w", err)
	}
	return Header{
		CharacteristicsLo: binary.LittleEndian.Uint64(buf[0:8]),
		CharacteristicsHi: binary.LittleEndian.Uint64(buf[8:16]),
		DataOffset:        binary.LittleEndian.Uint64(buf[16:24]),
		DataSize:          binary.LittleEndian.Uint64(buf[24:32]),
		IndexOffset:       binary.LittleEndian.Uint64(buf[32:40]),
	}, nil
}
