package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DocumentStore answers document existence and per user role questions.
type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) CreateDocument(ctx context.Context, id string, ownerID uint64, title string) error {
	doc := Document{ID: id, OwnerID: ownerID, Title: title}
	if err := s.db.WithContext(ctx).Create(&doc).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("document %s already exists: %w", id, err)
		}
		return err
	}
	return nil
}

func (s *DocumentStore) Archive(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&Document{}).Where("id = ?", id).Update("archived", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *DocumentStore) SetRole(ctx context.Context, docID string, userID uint64, role Role) error {
	row := DocumentCollaborator{DocID: docID, UserID: userID, Role: role}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "doc_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&row).Error
}

// Exists is false for missing and archived documents.
func (s *DocumentStore) Exists(ctx context.Context, docID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ? AND archived = ?", docID, false).Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RoleOf returns "" when userID has no role. The owner is always RoleOwner.
func (s *DocumentStore) RoleOf(ctx context.Context, docID string, userID uint64) (Role, error) {
	var doc Document
	err := s.db.WithContext(ctx).Select("id", "owner_id").Where("id = ?", docID).Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if doc.OwnerID == userID {
		return RoleOwner, nil
	}
	var c DocumentCollaborator
	err = s.db.WithContext(ctx).Where("doc_id = ? AND user_id = ?", docID, userID).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return c.Role, nil
}

func (s *DocumentStore) CanRead(ctx context.Context, docID string, userID uint64) (bool, error) {
	role, err := s.RoleOf(ctx, docID, userID)
	return role != "", err
}

func (s *DocumentStore) CanWrite(ctx context.Context, docID string, userID uint64) (bool, error) {
	role, err := s.RoleOf(ctx, docID, userID)
	return role == RoleOwner || role == RoleEdit, err
}

func (s *DocumentStore) CanAdmin(ctx context.Context, docID string, userID uint64) (bool, error) {
	role, err := s.RoleOf(ctx, docID, userID)
	return role == RoleOwner, err
}

func (s *DocumentStore) Get(ctx context.Context, id string) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}
