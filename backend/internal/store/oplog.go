package store

import (
	"context"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

const appendRetries = 3

// OpLog is the append-only per document operation log.
type OpLog struct {
	db    *gorm.DB
	locks keyedMutex
}

func NewOpLog(db *gorm.DB) *OpLog {
	return &OpLog{db: db, locks: keyedMutex{locks: make(map[string]*refLock)}}
}

// Append stores delta under the next seq for docID. Appends for one document
// are serialized in process; the counter row guards against other processes.
func (l *OpLog) Append(ctx context.Context, docID string, delta []byte, authorID *uint64) (uint64, error) {
	unlock := l.locks.lock(docID)
	defer unlock()

	var (
		seq uint64
		err error
	)
	for attempt := 0; attempt < appendRetries; attempt++ {
		seq, err = l.appendOnce(ctx, docID, delta, authorID)
		if err == nil || !isDuplicate(err) {
			break
		}
	}
	if err != nil {
		return 0, fmt.Errorf("append op doc=%s: %w", docID, err)
	}
	return seq, nil
}

func (l *OpLog) appendOnce(ctx context.Context, docID string, delta []byte, authorID *uint64) (uint64, error) {
	var seq uint64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s, err := nextSeq(tx, docID)
		if err != nil {
			return err
		}
		op := Operation{DocID: docID, Seq: s, Delta: delta, AuthorID: authorID}
		if err := tx.Create(&op).Error; err != nil {
			return err
		}
		seq = s
		return nil
	})
	return seq, err
}

func nextSeq(tx *gorm.DB, docID string) (uint64, error) {
	res := tx.Model(&DocSequence{}).Where("doc_id = ?", docID).
		Update("last_seq", gorm.Expr("last_seq + 1"))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		// first append, or a log written before the counter existed
		var latest uint64
		if err := tx.Model(&Operation{}).Where("doc_id = ?", docID).
			Select("COALESCE(MAX(seq), 0)").Scan(&latest).Error; err != nil {
			return 0, err
		}
		row := DocSequence{DocID: docID, LastSeq: latest + 1}
		if err := tx.Create(&row).Error; err != nil {
			return 0, err
		}
		return row.LastSeq, nil
	}
	var row DocSequence
	if err := tx.Where("doc_id = ?", docID).Take(&row).Error; err != nil {
		return 0, err
	}
	return row.LastSeq, nil
}

// Range returns every op with seq > from, ascending.
func (l *OpLog) Range(ctx context.Context, docID string, from uint64) ([]Operation, error) {
	return l.RangePage(ctx, docID, from, 0)
}

// RangePage is Range capped at limit rows; limit <= 0 means no cap.
func (l *OpLog) RangePage(ctx context.Context, docID string, from uint64, limit int) ([]Operation, error) {
	q := l.db.WithContext(ctx).Where("doc_id = ? AND seq > ?", docID, from).Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ops []Operation
	if err := q.Find(&ops).Error; err != nil {
		return nil, fmt.Errorf("range ops doc=%s from=%d: %w", docID, from, err)
	}
	return ops, nil
}

func (l *OpLog) LatestSeq(ctx context.Context, docID string) (uint64, error) {
	var latest uint64
	err := l.db.WithContext(ctx).Model(&Operation{}).Where("doc_id = ?", docID).
		Select("COALESCE(MAX(seq), 0)").Scan(&latest).Error
	if err != nil {
		return 0, fmt.Errorf("latest seq doc=%s: %w", docID, err)
	}
	return latest, nil
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per key and forgets it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
