package services

import (
	"context"

	"github.com/kimhsiao/schoolsync/internal/models"
)

var feeTypeRules = rules(
	fieldRule{name: "name", required: true, check: nonEmptyString},
	fieldRule{name: "school_id", required: true, check: nonEmptyString},
	fieldRule{name: "amount", required: true, check: nonNegative},
	fieldRule{name: "currency", check: nonEmptyString},
	fieldRule{name: "description", check: anyString},
)

// FeeTypeService writes fee types.
type FeeTypeService struct {
	*CollectionService
}

// NewFeeTypeService creates a FeeTypeService.
func NewFeeTypeService(deps Deps) *FeeTypeService {
	return &FeeTypeService{NewCollectionService(models.CollectionFeeTypes, deps, feeTypeRules)}
}

// BySchool lists the fee types of one school.
func (s *FeeTypeService) BySchool(ctx context.Context, schoolID string) ([]*models.Record, error) {
	return s.ListBy(ctx, "by_school", schoolID)
}
