// Package models provides data model definitions for SchoolSync.
package models

import (
	"time"
)

// SyncStatus tells whether a local record mirrors the remote copy.
type SyncStatus string

const (
	// SyncStatusPending means the authoritative copy is local-only or diverged.
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusSynced means the record mirrors remote as of the last pass.
	SyncStatusSynced SyncStatus = "synced"
)

// reservedFields are managed by the store and never sent as record fields.
var reservedFields = map[string]bool{
	"id":          true,
	"sync_status": true,
	"local_key":   true,
	"created_at":  true,
	"updated_at":  true,
}

// Record is one entity instance in a collection.
type Record struct {
	ID         string                 `db:"id" json:"id"`
	Collection Collection             `db:"collection" json:"collection"`
	SyncStatus SyncStatus             `db:"sync_status" json:"sync_status"`
	Fields     map[string]interface{} `db:"data" json:"fields"`
	// LocalKey is the temporary key the record was created under. It survives
	// the key migration so the creation trail is not lost.
	LocalKey  string `db:"local_key" json:"local_key,omitempty"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "records"
}

// NewRecord creates a pending record with the given key and fields.
func NewRecord(collection Collection, id string, fields map[string]interface{}) *Record {
	now := time.Now().Unix()
	return &Record{
		ID:         id,
		Collection: collection,
		SyncStatus: SyncStatusPending,
		Fields:     CleanFields(fields),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep-enough copy: the field map is copied, values are shared.
func (r *Record) Clone() *Record {
	c := *r
	c.Fields = make(map[string]interface{}, len(r.Fields))
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	return &c
}

// Merge applies changes to the record's fields.
func (r *Record) Merge(changes map[string]interface{}) {
	if r.Fields == nil {
		r.Fields = make(map[string]interface{}, len(changes))
	}
	for k, v := range CleanFields(changes) {
		r.Fields[k] = v
	}
}

// Touch updates the UpdatedAt timestamp.
func (r *Record) Touch() {
	r.UpdatedAt = time.Now().Unix()
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (r *Record) CreatedAtTime() time.Time {
	return time.Unix(r.CreatedAt, 0)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (r *Record) UpdatedAtTime() time.Time {
	return time.Unix(r.UpdatedAt, 0)
}

// CleanFields copies fields without store-managed keys.
func CleanFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if reservedFields[k] {
			continue
		}
		out[k] = v
	}
	return out
}
