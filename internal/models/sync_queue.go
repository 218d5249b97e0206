// Package models provides data model definitions for SchoolSync.
package models

// SyncQueue is the stored form of one pending mutation.
type SyncQueue struct {
	ID         string `db:"id" json:"id"`
	Collection string `db:"collection" json:"collection"`
	RecordKey  string `db:"record_key" json:"record_key"`
	Operation  string `db:"operation" json:"operation"` // create, update, delete
	Payload    []byte `db:"payload" json:"payload"`     // msgpack snapshot, nil for delete
	Status     string `db:"status" json:"status"`       // pending, processing, completed, failed
	Attempts   int    `db:"attempts" json:"attempts"`
	LastError  string `db:"last_error" json:"last_error,omitempty"`
	RemoteKey  string `db:"remote_key" json:"remote_key,omitempty"` // set once a create reached the remote
	CreatedAt  int64  `db:"created_at" json:"created_at"` // unix nanoseconds
	UpdatedAt  int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for SyncQueue.
func (SyncQueue) TableName() string {
	return "sync_queue"
}
