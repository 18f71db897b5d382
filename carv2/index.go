package carv2

import (
	"io"

	"github.com/ipfs/go-cid"
	carindex "github.com/ipld/go-car/v2/index"
	"github.com/multiformats/go-multihash"
	"golang.org/x/xerrors"
)

// IndexRecord pairs a block's CID with its byte offset relative to the
// start of the CARv1 payload, per spec.md §4.B's MultihashIndexSorted
// description.
type IndexRecord struct {
	Cid    cid.Cid
	Offset uint64
}

// BuildIndex assembles a MultihashIndexSorted-backed index from the
// records collected while writing blocks. Grounded directly on
// markets/dagstore/wrapper.go's own use of carindex.NewInsertionIndex +
// InsertNoReplace to accumulate (cid, offset) pairs before sorting them
// into the on-disk MultihashIndexSorted form.
func BuildIndex(records []IndexRecord) carindex.Index {
	idx := carindex.NewInsertionIndex()
	for _, rec := range records {
		idx.InsertNoReplace(rec.Cid, rec.Offset)
	}
	return idx
}

// WriteIndex serializes idx to w in the format spec.md §4.B names.
func WriteIndex(w io.Writer, idx carindex.Index) (int64, error) {
	n, err := idx.Marshal(w)
	if err != nil {
		return 0, xerrors.Errorf("marshaling carv2 index: %w", err)
	}
	return int64(n), nil
}

// ReadIndex reads back an index previously written by WriteIndex.
func ReadIndex(r io.Reader) (carindex.IterableIndex, error) {
	idx, err := carindex.ReadFrom(r)
	if err != nil {
		return nil, xerrors.Errorf("reading carv2 index: %w", err)
	}
	iterable, ok := idx.(carindex.IterableIndex)
	if !ok {
		return nil, xerrors.New("carv2 index is not iterable")
	}
	return iterable, nil
}

// Lookup returns the payload-relative offset of the block with the given
// CID's multihash, or ok=false if absent.
func Lookup(idx carindex.IterableIndex, c cid.Cid) (offset uint64, ok bool, err error) {
	target := c.Hash()
	err = idx.ForEach(func(mh multihash.Multihash, off uint64) error {
		if string(mh) == string(target) {
			offset, ok = off, true
		}
		return nil
	})
	return offset, ok, err
}
