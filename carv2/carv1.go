package carv2

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"
)

// The CARv1 header is a DAG-CBOR-encoded { "roots": [CID], "version": 1 }
// map, per spec.md §4.B. go-car's own CARv1 header type lives behind an
// API this module does not otherwise need (the rest of the CARv1 payload
// is built straight off go-cid/go-multihash), so the fixed two-field,
// single-root shape this system always emits is encoded directly here
// rather than pulling in a general DAG-CBOR codec for one constant shape.

// writeV1Header writes the varint-prefixed DAG-CBOR CARv1 header naming a
// single root CID, at CARv1 version 1.
func writeV1Header(w io.Writer, root cid.Cid) (int64, error) {
	body := encodeV1HeaderBody(root)
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(body)))
	written := 0
	if m, err := w.Write(lenBuf[:n]); err != nil {
		return 0, xerrors.Errorf("writing carv1 header length: %w", err)
	} else {
		written += m
	}
	if m, err := w.Write(body); err != nil {
		return 0, xerrors.Errorf("writing carv1 header body: %w", err)
	} else {
		written += m
	}
	return int64(written), nil
}

// v1HeaderSize returns the on-disk size of the varint-prefixed CARv1
// header that will be produced for root, used to reserve the placeholder
// slot before the real root CID is known.
func v1HeaderSize(root cid.Cid) int64 {
	body := encodeV1HeaderBody(root)
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(body)))
	return int64(n + len(body))
}

// encodeV1HeaderBody produces the canonical DAG-CBOR bytes for
// { "roots": [root], "version": 1 }. Canonical CBOR map key order sorts by
// key length then lexicographically, so "roots" (5 bytes) precedes
// "version" (7 bytes).
func encodeV1HeaderBody(root cid.Cid) []byte {
	var buf []byte
	buf = appendCborHead(buf, 5, 2) // map, 2 entries

	buf = appendCborTextKey(buf, "roots")
	buf = appendCborHead(buf, 4, 1) // array, 1 entry
	buf = appendCborCIDLink(buf, root)

	buf = appendCborTextKey(buf, "version")
	buf = appendCborHead(buf, 0, 1) // uint 1

	return buf
}

// appendCborHead appends a CBOR major-type/argument head for major type
// major and argument n, using the minimal-length encoding CBOR allows.
func appendCborHead(buf []byte, major byte, n uint64) []byte {
	m := major << 5
	switch {
	case n < 24:
		return append(buf, m|byte(n))
	case n <= 0xff:
		return append(buf, m|24, byte(n))
	case n <= 0xffff:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(n))
		return append(append(buf, m|25), b...)
	case n <= 0xffffffff:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(n))
		return append(append(buf, m|26), b...)
	default:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, n)
		return append(append(buf, m|27), b...)
	}
}

func appendCborTextKey(buf []byte, s string) []byte {
	buf = appendCborHead(buf, 3, uint64(len(s)))
	return append(buf, s...)
}

// appendCborCIDLink appends a DAG-CBOR CID link: tag 42 followed by a byte
// string holding a leading 0x00 (identity multibase) byte plus the raw CID
// bytes — the standard DAG-CBOR CID representation.
func appendCborCIDLink(buf []byte, c cid.Cid) []byte {
	buf = appendCborHead(buf, 6, 42) // tag 42
	raw := c.Bytes()
	buf = appendCborHead(buf, 2, uint64(len(raw)+1))
	buf = append(buf, 0x00)
	return append(buf, raw...)
}

// readV1Header reads and decodes the varint-prefixed CARv1 header,
// returning its declared roots. It accepts any root count on read even
// though this package's writer always emits exactly one.
func readV1Header(r *bufio.Reader) ([]cid.Cid, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, xerrors.Errorf("reading carv1 header length: %w", err)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, xerrors.Errorf("reading carv1 header body: %w", err)
	}
	return decodeV1HeaderBody(body)
}

func decodeV1HeaderBody(body []byte) ([]cid.Cid, error) {
	d := &cborDecoder{buf: body}

	major, n, err := d.head()
	if err != nil || major != 5 {
		return nil, xerrors.New("carv1 header: expected a map")
	}

	var roots []cid.Cid
	var sawVersion bool
	for i := uint64(0); i < n; i++ {
		key, err := d.textString()
		if err != nil {
			return nil, xerrors.Errorf("carv1 header: reading map key: %w", err)
		}
		switch key {
		case "roots":
			rMajor, rN, err := d.head()
			if err != nil || rMajor != 4 {
				return nil, xerrors.New("carv1 header: expected roots array")
			}
			for j := uint64(0); j < rN; j++ {
				c, err := d.cidLink()
				if err != nil {
					return nil, xerrors.Errorf("carv1 header: reading root: %w", err)
				}
				roots = append(roots, c)
			}
		case "version":
			_, v, err := d.head()
			if err != nil {
				return nil, xerrors.Errorf("carv1 header: reading version: %w", err)
			}
			if v != 1 {
				return nil, xerrors.Errorf("unsupported carv1 version %d", v)
			}
			sawVersion = true
		default:
			return nil, xerrors.Errorf("carv1 header: unexpected key %q", key)
		}
	}
	if !sawVersion {
		return nil, xerrors.New("carv1 header: missing version field")
	}
	return roots, nil
}

// cborDecoder is a minimal reader for the fixed CARv1-header CBOR shape
// this package emits: maps, text-string keys, arrays, uints, and tag-42
// CID byte strings. It is not a general CBOR decoder.
type cborDecoder struct {
	buf []byte
	pos int
}

func (d *cborDecoder) byte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

// head reads a CBOR major-type/argument head, returning the major type and
// decoded argument.
func (d *cborDecoder) head() (byte, uint64, error) {
	b, err := d.byte()
	if err != nil {
		return 0, 0, err
	}
	major := b >> 5
	info := b & 0x1f
	switch {
	case info < 24:
		return major, uint64(info), nil
	case info == 24:
		v, err := d.byte()
		return major, uint64(v), err
	case info == 25:
		if d.pos+2 > len(d.buf) {
			return 0, 0, io.ErrUnexpectedEOF
		}
		v := binary.BigEndian.Uint16(d.buf[d.pos : d.pos+2])
		d.pos += 2
		return major, uint64(v), nil
	case info == 26:
		if d.pos+4 > len(d.buf) {
			return 0, 0, io.ErrUnexpectedEOF
		}
		v := binary.BigEndian.Uint32(d.buf[d.pos : d.pos+4])
		d.pos += 4
		return major, uint64(v), nil
	case info == 27:
		if d.pos+8 > len(d.buf) {
			return 0, 0, io.ErrUnexpectedEOF
		}
		v := binary.BigEndian.Uint64(d.buf[d.pos : d.pos+8])
		d.pos += 8
		return major, v, nil
	default:
		return 0, 0, xerrors.Errorf("unsupported cbor additional info %d", info)
	}
}

func (d *cborDecoder) textString() (string, error) {
	major, n, err := d.head()
	if err != nil {
		return "", err
	}
	if major != 3 {
		return "", xerrors.Errorf("expected cbor text string, got major type %d", major)
	}
	if d.pos+int(n) > len(d.buf) {
		return "", io.ErrUnexpectedEOF
	}
	s := string(d.buf[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s, nil
}

func (d *cborDecoder) cidLink() (cid.Cid, error) {
	major, tag, err := d.head()
	if err != nil {
		return cid.Undef, err
	}
	if major != 6 || tag != 42 {
		return cid.Undef, xerrors.New("expected cbor tag-42 cid link")
	}
	bsMajor, n, err := d.head()
	if err != nil {
		return cid.Undef, err
	}
	if bsMajor != 2 {
		return cid.Undef, xerrors.New("expected cbor byte string for cid link")
	}
	if d.pos+int(n) > len(d.buf) {
		return cid.Undef, io.ErrUnexpectedEOF
	}
	raw := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	if len(raw) == 0 || raw[0] != 0x00 {
		return cid.Undef, xerrors.New("cid link missing identity multibase prefix")
	}
	_, c, err := cid.CidFromBytes(raw[1:])
	if err != nil {
		return cid.Undef, xerrors.Errorf("decoding cid link: %w", err)
	}
	return c, nil
}

// writeBlock writes a single CARv1 block: varint(len(cidBytes)+len(data)) ||
// cidBytes || data.
func writeBlock(w io.Writer, c cid.Cid, data []byte) (int64, error) {
	cidBytes := c.Bytes()
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(cidBytes)+len(data)))
	written := 0
	if m, err := w.Write(lenBuf[:n]); err != nil {
		return 0, err
	} else {
		written += m
	}
	if m, err := w.Write(cidBytes); err != nil {
		return 0, err
	} else {
		written += m
	}
	if m, err := w.Write(data); err != nil {
		return 0, err
	} else {
		written += m
	}
	return int64(written), nil
}

// readBlock reads a single CARv1 block, returning its CID, data, and the
// number of bytes consumed (for offset bookkeeping during verification).
func readBlock(r *bufio.Reader) (cid.Cid, []byte, int64, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return cid.Undef, nil, 0, err
	}
	lenBytes := uvarintLen(size)

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return cid.Undef, nil, 0, xerrors.Errorf("reading block body: %w", err)
	}

	n, c, err := cid.CidFromBytes(buf)
	if err != nil {
		return cid.Undef, nil, 0, xerrors.Errorf("decoding block cid: %w", err)
	}
	return c, buf[n:], int64(lenBytes) + int64(size), nil
}

func uvarintLen(v uint64) int {
	var buf [binary.MaxVarintLen64]byte
	return binary.PutUvarint(buf[:], v)
}
