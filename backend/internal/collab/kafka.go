package collab

import "time"

const EventOpAppended = "OP_APPENDED"

// DocOpEvent is published to Kafka for every operation appended to the log.
type DocOpEvent struct {
	EventType string    `json:"eventType"`
	DocID     string    `json:"docId"`
	Seq       uint64    `json:"seq"`
	AuthorID  *uint64   `json:"authorId,omitempty"`
	Delta     []byte    `json:"delta"`
	Instance  string    `json:"instance,omitempty"`
	AppliedAt time.Time `json:"appliedAt"`
}
