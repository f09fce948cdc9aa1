package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SnapshotRecord struct {
	DocID         string
	State         []byte
	SeqAtSnapshot uint64
	Version       uint64
	UpdatedAt     time.Time
}

type SnapshotStore struct{ db *gorm.DB }

func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save upserts the snapshot of docID, always in the raw encoding.
func (s *SnapshotStore) Save(ctx context.Context, docID string, state []byte, seq uint64) error {
	now := time.Now()
	row := Snapshot{DocID: docID, State: state, Encoding: EncodingRaw, SeqAtSnapshot: seq, Version: 1, UpdatedAt: now}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "doc_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"state":           state,
			"encoding":        EncodingRaw,
			"seq_at_snapshot": seq,
			"version":         gorm.Expr("version + 1"),
			"updated_at":      now,
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save snapshot doc=%s seq=%d: %w", docID, seq, err)
	}
	return nil
}

// Load returns nil, nil when docID has no snapshot.
func (s *SnapshotStore) Load(ctx context.Context, docID string) (*SnapshotRecord, error) {
	var row Snapshot
	err := s.db.WithContext(ctx).Where("doc_id = ?", docID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot doc=%s: %w", docID, err)
	}
	state, err := decodeState(row.Encoding, row.State)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot doc=%s encoding=%q: %w", docID, row.Encoding, err)
	}
	return &SnapshotRecord{
		DocID:         row.DocID,
		State:         state,
		SeqAtSnapshot: row.SeqAtSnapshot,
		Version:       row.Version,
		UpdatedAt:     row.UpdatedAt,
	}, nil
}

func decodeState(encoding string, raw []byte) ([]byte, error) {
	switch encoding {
	case EncodingRaw:
		return raw, nil
	case EncodingBase64:
		return base64.StdEncoding.DecodeString(string(bytes.TrimSpace(raw)))
	case EncodingJSON:
		return decodeJSONState(raw)
	case "":
		return sniffState(raw)
	default:
		return nil, fmt.Errorf("unknown snapshot encoding %q", encoding)
	}
}

// sniffState handles rows written before the encoding column existed.
func sniffState(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	switch trimmed[0] {
	case '[', '"':
		if b, err := decodeJSONState(trimmed); err == nil {
			return b, nil
		}
	}
	if b, err := base64.StdEncoding.Strict().DecodeString(string(trimmed)); err == nil {
		return b, nil
	}
	return raw, nil
}

// decodeJSONState accepts a numeric byte array or a base64 JSON string.
func decodeJSONState(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(s)
	}
	var nums []int
	if err := json.Unmarshal(trimmed, &nums); err != nil {
		return nil, err
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return nil, fmt.Errorf("byte %d out of range: %d", i, n)
		}
		out[i] = byte(n)
	}
	return out, nil
}
