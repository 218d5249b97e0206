// Package remote talks to the remote system of record.
package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/kimhsiao/schoolsync/internal/errors"
	"github.com/kimhsiao/schoolsync/internal/models"
)

// Service is the remote record contract the sync engine drives.
//
// Errors carry an apperrors code: ErrRecordNotFound when the key is unknown,
// ErrRemoteRejected when the remote refused the request, and
// ErrRemoteUnavailable for network or server failures.
type Service interface {
	// Insert creates a record and returns it under the key the remote assigned.
	Insert(ctx context.Context, collection models.Collection, fields map[string]interface{}) (*models.Record, error)

	// Update replaces the given fields of an existing record.
	Update(ctx context.Context, collection models.Collection, key string, fields map[string]interface{}) (*models.Record, error)

	// Delete removes a record.
	Delete(ctx context.Context, collection models.Collection, key string) error

	// Query returns records whose fields equal every value in filter.
	Query(ctx context.Context, collection models.Collection, filter Filter) ([]*models.Record, error)

	// Ping reports whether the remote is reachable.
	Ping(ctx context.Context) error
}

// Filter is a set of field equality constraints.
type Filter map[string]string

// Keys returns the filter's field names in sorted order.
func (f Filter) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Expression renders the filter in the records API syntax, e.g.
// school_id="s1" && grade="4".
func (f Filter) Expression() string {
	parts := make([]string, 0, len(f))
	for _, k := range f.Keys() {
		v := strings.ReplaceAll(f[k], `\`, `\\`)
		v = strings.ReplaceAll(v, `"`, `\"`)
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, v))
	}
	return strings.Join(parts, " && ")
}

// Matches reports whether fields satisfy the filter.
func (f Filter) Matches(fields map[string]interface{}) bool {
	for k, want := range f {
		got, ok := fields[k]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

// IsNotFound reports whether err means the remote does not know the record.
func IsNotFound(err error) bool {
	return apperrors.Is(err, apperrors.ErrRecordNotFound)
}
