package services

import (
	"context"

	"github.com/kimhsiao/schoolsync/internal/models"
)

// Student statuses.
const (
	StudentActive    = "active"
	StudentInactive  = "inactive"
	StudentGraduated = "graduated"
)

var studentRules = rules(
	fieldRule{name: "name", required: true, check: nonEmptyString},
	fieldRule{name: "school_id", required: true, check: nonEmptyString},
	fieldRule{name: "grade", check: anyString},
	fieldRule{name: "guardian_phone", check: anyString},
	fieldRule{name: "status", check: oneOf(StudentActive, StudentInactive, StudentGraduated)},
)

// StudentService writes students.
type StudentService struct {
	*CollectionService
}

// NewStudentService creates a StudentService.
func NewStudentService(deps Deps) *StudentService {
	return &StudentService{NewCollectionService(models.CollectionStudents, deps, studentRules)}
}

// Create adds a student. Status defaults to active.
func (s *StudentService) Create(ctx context.Context, fields map[string]interface{}) (*WriteResult, error) {
	if _, ok := fields["status"]; !ok {
		fields = withDefault(fields, "status", StudentActive)
	}
	return s.CollectionService.Create(ctx, fields)
}

// BySchool lists the students of one school.
func (s *StudentService) BySchool(ctx context.Context, schoolID string) ([]*models.Record, error) {
	return s.ListBy(ctx, "by_school", schoolID)
}

// withDefault returns a copy of fields with key set to v.
func withDefault(fields map[string]interface{}, key string, v interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, val := range fields {
		out[k] = val
	}
	out[key] = v
	return out
}
