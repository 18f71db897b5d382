package commitment

import "io"

// ZeroPaddingReader wraps src and yields exactly size bytes total: the
// bytes of src followed by zero bytes once src is exhausted. Per spec.md
// §4.A step 2, this operates in the *padded* (post-Fr32) byte domain, sized
// to the target PaddedPieceSize — a different padding stage than
// go-padreader's raw-domain padding (used one layer up, on the un-expanded
// piece bytes).
type ZeroPaddingReader struct {
	src     io.Reader
	remain  uint64
	srcDone bool
}

// NewZeroPaddingReader constructs a ZeroPaddingReader that yields exactly
// size bytes total.
func NewZeroPaddingReader(src io.Reader, size uint64) *ZeroPaddingReader {
	return &ZeroPaddingReader{src: src, remain: size}
}

func (z *ZeroPaddingReader) Read(p []byte) (int, error) {
	if z.remain == 0 {
		return 0, io.EOF
	}
	if uint64(len(p)) > z.remain {
		p = p[:z.remain]
	}

	if !z.srcDone {
		n, err := z.src.Read(p)
		if n > 0 {
			z.remain -= uint64(n)
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
		z.srcDone = true
	}

	for i := range p {
		p[i] = 0
	}
	z.remain -= uint64(len(p))
	return len(p), nil
}
