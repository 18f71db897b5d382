package store

import (
	"encoding/json"

	"golang.org/x/xerrors"
)

// sectorRecordEnvelope is the on-disk sum-type wrapper for SectorRecord:
// a kind discriminant alongside the JSON encoding of the matching
// concrete struct, the same "tagged union" approach
// original_source/storage-provider/server/src/pipeline/types.rs relies on
// serde's enum tagging for.
type sectorRecordEnvelope struct {
	Kind RecordKind      `json:"kind"`
	Body json.RawMessage `json:"body"`
}

func encodeSectorRecord(rec SectorRecord) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sectorRecordEnvelope{Kind: rec.Kind(), Body: body})
}

func decodeSectorRecord(raw []byte) (SectorRecord, error) {
	var env sectorRecordEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case KindUnsealed:
		var s UnsealedSector
		if err := json.Unmarshal(env.Body, &s); err != nil {
			return nil, err
		}
		return s, nil
	case KindPreCommitted:
		var s PreCommittedSector
		if err := json.Unmarshal(env.Body, &s); err != nil {
			return nil, err
		}
		return s, nil
	case KindProven:
		var s ProvenSector
		if err := json.Unmarshal(env.Body, &s); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, xerrors.Errorf("unknown sector record kind %d", env.Kind)
	}
}
