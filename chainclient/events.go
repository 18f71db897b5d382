package chainclient

import (
	"encoding/binary"

	"golang.org/x/xerrors"
)

// Typed event-kind constants per §4.E's "typed event lookups per pallet."
const (
	EventSectorsPreCommitted = "storage-provider.SectorsPreCommitted"
	EventSectorsProven        = "storage-provider.SectorsProven"
	EventDealsPublished       = "market.DealsPublished"
)

// FindEvent returns the first event of the given kind in a submission
// result, or an error if none is present — every successful finalized
// submission in the pipeline expects exactly one event of a known kind.
func FindEvent(res *SubmissionResult, kind string) (Event, error) {
	if res == nil {
		return Event{}, xerrors.Errorf("no submission result to search for %s", kind)
	}
	for _, e := range res.Events {
		if e.Kind == kind {
			return e, nil
		}
	}
	return Event{}, xerrors.Errorf("event %s not present in finalized block", kind)
}

// DecodeDealID decodes a market.DealsPublished event's payload into the
// numeric deal_id it carries. Event payloads are opaque, actor-emitted
// byte strings (the CBOR-style shape cbor-gen generates for on-chain
// events elsewhere in the corpus); this core only ever needs a single
// big-endian u64 out of DealsPublished, so it decodes that shape directly
// rather than pulling in a general actor-event codegen pipeline.
func DecodeDealID(e Event) (uint64, error) {
	if len(e.Data) < 8 {
		return 0, xerrors.Errorf("deal id event payload too short: %d bytes", len(e.Data))
	}
	return binary.BigEndian.Uint64(e.Data[:8]), nil
}
