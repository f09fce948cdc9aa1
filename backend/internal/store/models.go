package store

import "time"

// Operation is one appended update delta.
type Operation struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	DocID     string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_doc_seq,priority:1" json:"docId"`
	Seq       uint64    `gorm:"not null;uniqueIndex:idx_doc_seq,priority:2" json:"seq"`
	Delta     []byte    `gorm:"type:longblob;not null" json:"delta"`
	AuthorID  *uint64   `json:"authorId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// DocSequence holds the last assigned seq of a document.
type DocSequence struct {
	DocID   string `gorm:"primaryKey;type:varchar(64)"`
	LastSeq uint64 `gorm:"not null"`
}

const (
	EncodingRaw    = "raw"
	EncodingBase64 = "base64"
	EncodingJSON   = "json"
)

type Snapshot struct {
	DocID         string `gorm:"primaryKey;type:varchar(64)"`
	State         []byte `gorm:"type:longblob"`
	Encoding      string `gorm:"type:varchar(16)"`
	SeqAtSnapshot uint64 `gorm:"not null"`
	Version       uint64 `gorm:"not null"`
	UpdatedAt     time.Time
}

func (Snapshot) TableName() string { return "document_snapshots" }

type Document struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title     string    `gorm:"type:varchar(255)" json:"title"`
	OwnerID   uint64    `gorm:"index" json:"ownerId"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Role string

const (
	RoleOwner   Role = "OWNER"
	RoleEdit    Role = "EDIT"
	RoleComment Role = "COMMENT"
	RoleView    Role = "VIEW"
)

type DocumentCollaborator struct {
	DocID  string `gorm:"primaryKey;type:varchar(64)"`
	UserID uint64 `gorm:"primaryKey"`
	Role   Role   `gorm:"type:varchar(16);not null"`
}
