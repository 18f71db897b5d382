package commitment

import "io"

// Fr32Reader wraps an io.Reader of raw piece bytes and performs the
// sha2-256-trunc254-padded pre-hashing transform spec.md §4.A step 1
// describes: for every 254 input bits (31.75 bytes) it emits 256 output
// bits (32 bytes) with the top two bits of each 32-byte output group
// zeroed. This keeps every 32-byte group representable as a BLS12-381
// scalar field element downstream.
//
// The bit-shuffling here mirrors go-fil-commp-hashhash's
// digestLeading127Bytes (see other_examples/..._commp.go.go), which applies
// the identical shift-by-{2,4,6} expansion to produce four 32-byte groups
// out of every 127 input bytes. hashhash only exposes this as a step inside
// a push-style hash.Hash; we need a pull-style io.Reader so it can be
// composed with a ZeroPaddingReader upstream of the Merkle tree builder, so
// the expansion is reimplemented here as a streaming transform instead of
// imported.
type Fr32Reader struct {
	src io.Reader

	in    [127]byte
	inLen int
	inEOF bool

	out    [128]byte
	outPos int
	outLen int
}

// NewFr32Reader constructs an Fr32Reader over src.
func NewFr32Reader(src io.Reader) *Fr32Reader {
	return &Fr32Reader{src: src}
}

func (f *Fr32Reader) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if f.outPos >= f.outLen {
			if f.inEOF {
				return total, io.EOF
			}
			if err := f.fillGroup(); err != nil {
				if total > 0 {
					return total, nil
				}
				return 0, err
			}
		}
		n := copy(p[total:], f.out[f.outPos:f.outLen])
		f.outPos += n
		total += n
	}
	return total, nil
}

// fillGroup reads up to 127 raw bytes (zero-padding a short final group)
// and expands them into 128 output bytes held in f.out.
func (f *Fr32Reader) fillGroup() error {
	n, err := io.ReadFull(f.src, f.in[:])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return err
	}
	if n == 0 {
		return io.EOF
	}
	if n < len(f.in) {
		for i := n; i < len(f.in); i++ {
			f.in[i] = 0
		}
		f.inEOF = true
	}

	expand127To128(&f.in, &f.out)
	f.outPos = 0
	f.outLen = 128
	return nil
}

// expand127To128 performs the same four-group, shift-by-{2,4,6} bit
// expansion as go-fil-commp-hashhash's digestLeading127Bytes, splitting 127
// input bytes (1016 bits = 4*254) into 128 output bytes (4*256 bits) with
// the top two bits of each 32-byte group masked to zero.
func expand127To128(in *[127]byte, out *[128]byte) {
	// First 31 bytes + 6 bits carried as-is, masked.
	copy(out[0:32], in[0:32])
	out[31] &= 0x3F

	for i := 31; i < 63; i++ {
		out[i+1] = in[i+1]<<2 | in[i]>>6
	}
	out[63] &= 0x3F

	for i := 63; i < 95; i++ {
		out[i+1] = in[i+1]<<4 | in[i]>>4
	}
	out[95] &= 0x3F

	for i := 95; i < 126; i++ {
		out[i+1] = in[i+1]<<6 | in[i]>>2
	}
	out[127] = in[126] >> 2
}
