package store

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"path/filepath"

	"github.com/filecoin-project/go-state-types/abi"
	storedcounter "github.com/filecoin-project/go-storedcounter"
	datastore "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/ipfs/go-datastore/query"
	badger2 "github.com/ipfs/go-ds-badger2"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/storage-core/build"
)

var (
	proposalsPrefix = datastore.NewKey("/proposals")
	sectorsPrefix   = datastore.NewKey("/sectors")
	counterKey      = datastore.NewKey("/sector-counter")
)

// ErrSectorNumberTooLarge marks a sector record whose number exceeds
// build.MaxSectors, per spec.md §4.C's put_sector precondition.
var ErrSectorNumberTooLarge = xerrors.New("sector number exceeds MAX_SECTORS")

// ErrNotFound marks a missing proposal or sector record.
var ErrNotFound = xerrors.New("not found")

// Store is the embedded deal/sector KV store: two namespaced column
// families (proposals, sectors) over badger2, plus the atomic
// sector-number allocator, per spec.md §4.C.
type Store struct {
	root      *badger2.Datastore
	proposals datastore.Datastore
	sectors   datastore.Datastore
	counter   *storedcounter.StoredCounter
}

// Open opens (creating if absent) the KV store rooted at path, namespaces
// its two column families, and primes the sector-number allocator from the
// max key currently stored under sectors, per spec.md §4.C's
// initialization rule.
func Open(path string) (*Store, error) {
	opts := badger2.DefaultOptions
	ds, err := badger2.NewDatastore(filepath.Clean(path), &opts)
	if err != nil {
		return nil, xerrors.Errorf("opening badger2 datastore: %w", err)
	}

	proposals := namespace.Wrap(ds, proposalsPrefix)
	sectors := namespace.Wrap(ds, sectorsPrefix)

	last, err := maxSectorKey(sectors)
	if err != nil {
		ds.Close()
		return nil, xerrors.Errorf("scanning sectors column for allocator high-water mark: %w", err)
	}

	if err := primeCounter(ds, last); err != nil {
		ds.Close()
		return nil, xerrors.Errorf("priming sector-number allocator: %w", err)
	}
	counter := storedcounter.New(ds, counterKey)

	return &Store{
		root:      ds,
		proposals: proposals,
		sectors:   sectors,
		counter:   counter,
	}, nil
}

func (s *Store) Close() error {
	return s.root.Close()
}

// maxSectorKey scans every key in the sectors column family, decoding each
// as an 8-byte little-endian sector_number per spec.md §4.C, and returns
// the largest one seen (0 if the column is empty).
func maxSectorKey(sectors datastore.Datastore) (uint64, error) {
	results, err := sectors.Query(context.Background(), query.Query{KeysOnly: true})
	if err != nil {
		return 0, err
	}
	defer results.Close()

	var max uint64
	for entry := range results.Next() {
		if entry.Error != nil {
			return 0, entry.Error
		}
		n, err := decodeSectorKey(entry.Key)
		if err != nil {
			return 0, err
		}
		if n > max {
			max = n
		}
	}
	return max, nil
}

// primeCounter writes last directly into go-storedcounter's backing key
// using the same uvarint encoding it reads on Next(), so the very first
// NextSectorNumber() call after Open returns last+1 rather than 1. This is
// a one-time initialization write, not a steady-state code path: go-storedcounter
// exposes no public setter, and re-deriving the max on every Open (rather
// than trusting whatever value the counter already holds on disk) is what
// spec.md §4.C's initialization rule requires after a restart.
func primeCounter(ds datastore.Datastore, last uint64) error {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, last)
	return ds.Put(context.Background(), counterKey, buf[:n])
}

// sectorKey and decodeSectorKey encode the sector_number as the hex text
// of its 8-byte little-endian form (spec.md §4.C: "key =
// sector_number.to_le_bytes()"). go-datastore's Key is a "/"-delimited
// path string, not an arbitrary byte string, so the little-endian byte
// layout spec.md describes is carried inside a hex-encoded path component
// rather than as raw bytes in the Key itself.
func sectorKey(n abi.SectorNumber) datastore.Key {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(n))
	return datastore.NewKey(hex.EncodeToString(buf))
}

// decodeSectorKey takes the string key form query.Result.Entry reports
// (a "/"-prefixed path) and recovers the little-endian sector_number.
func decodeSectorKey(rawKey string) (uint64, error) {
	name := datastore.NewKey(rawKey).BaseNamespace()
	b, err := hex.DecodeString(name)
	if err != nil || len(b) != 8 {
		return 0, xerrors.Errorf("malformed sector key %q", rawKey)
	}
	return binary.LittleEndian.Uint64(b), nil
}

// PutProposal stores deal under its JSON CID key, per spec.md §3's
// "proposals: CID -> deal JSON" column family, returning that CID.
func (s *Store) PutProposal(deal DealProposal) (cid.Cid, error) {
	c, encoded, err := JSONCID(deal)
	if err != nil {
		return cid.Undef, err
	}
	key := datastore.NewKey(c.String())
	if err := s.proposals.Put(context.Background(), key, encoded); err != nil {
		return cid.Undef, xerrors.Errorf("storing deal proposal: %w", err)
	}
	return c, nil
}

// GetProposal looks up a deal proposal by its JSON CID key.
func (s *Store) GetProposal(c cid.Cid) (DealProposal, bool, error) {
	key := datastore.NewKey(c.String())
	raw, err := s.proposals.Get(context.Background(), key)
	if err == datastore.ErrNotFound {
		return DealProposal{}, false, nil
	}
	if err != nil {
		return DealProposal{}, false, xerrors.Errorf("loading deal proposal: %w", err)
	}
	var d DealProposal
	if err := d.UnmarshalJSON(raw); err != nil {
		return DealProposal{}, false, xerrors.Errorf("decoding deal proposal: %w", err)
	}
	return d, true, nil
}

// PutSector stores a sector record under its sector_number key, validating
// the MAX_SECTORS precondition per spec.md §4.C's put_sector row.
func (s *Store) PutSector(rec SectorRecord) error {
	if uint64(rec.Number()) > build.MaxSectors {
		return ErrSectorNumberTooLarge
	}
	encoded, err := encodeSectorRecord(rec)
	if err != nil {
		return xerrors.Errorf("encoding sector record: %w", err)
	}
	if err := s.sectors.Put(context.Background(), sectorKey(rec.Number()), encoded); err != nil {
		return xerrors.Errorf("storing sector record: %w", err)
	}
	return nil
}

// GetSector loads the sector record stored under n, if any.
func (s *Store) GetSector(n abi.SectorNumber) (SectorRecord, bool, error) {
	raw, err := s.sectors.Get(context.Background(), sectorKey(n))
	if err == datastore.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Errorf("loading sector record: %w", err)
	}
	rec, err := decodeSectorRecord(raw)
	if err != nil {
		return nil, false, xerrors.Errorf("decoding sector record: %w", err)
	}
	return rec, true, nil
}

// NextSectorNumber atomically allocates and returns the next sector
// number, per spec.md §4.C / §8's allocator monotonicity property.
func (s *Store) NextSectorNumber() (abi.SectorNumber, error) {
	n, err := s.counter.Next()
	if err != nil {
		return 0, xerrors.Errorf("allocating sector number: %w", err)
	}
	return abi.SectorNumber(n), nil
}

// ScanSectors returns every stored sector record, supplementing spec.md
// §4.C's point-lookup API with the read-only scan original_source's
// status CLI relies on (see SPEC_FULL.md §4).
func (s *Store) ScanSectors() ([]SectorRecord, error) {
	results, err := s.sectors.Query(context.Background(), query.Query{})
	if err != nil {
		return nil, xerrors.Errorf("scanning sectors: %w", err)
	}
	defer results.Close()

	var out []SectorRecord
	for entry := range results.Next() {
		if entry.Error != nil {
			return nil, entry.Error
		}
		rec, err := decodeSectorRecord(entry.Value)
		if err != nil {
			return nil, xerrors.Errorf("decoding sector record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// SectorsContainingDeal returns every sector record whose Deals list
// references dealID, supplementing spec.md §4.C per SPEC_FULL.md §4.
func (s *Store) SectorsContainingDeal(dealID uint64) ([]SectorRecord, error) {
	all, err := s.ScanSectors()
	if err != nil {
		return nil, err
	}
	var out []SectorRecord
	for _, rec := range all {
		for _, d := range dealsOf(rec) {
			if d.DealID == dealID {
				out = append(out, rec)
				break
			}
		}
	}
	return out, nil
}

func dealsOf(rec SectorRecord) []DealRef {
	switch r := rec.(type) {
	case UnsealedSector:
		return r.Deals
	case PreCommittedSector:
		return r.Deals
	case ProvenSector:
		return r.Deals
	default:
		return nil
	}
}
