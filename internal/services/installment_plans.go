package services

import (
	"context"
	"fmt"

	"github.com/kimhsiao/schoolsync/internal/errors"
	"github.com/kimhsiao/schoolsync/internal/models"
)

var installmentPlanRules = rules(
	fieldRule{name: "name", required: true, check: nonEmptyString},
	fieldRule{name: "school_id", required: true, check: nonEmptyString},
	fieldRule{name: "fee_type_id", required: true, check: nonEmptyString},
	fieldRule{name: "installments", required: true, check: positiveInt},
	fieldRule{name: "interval_days", check: positiveInt},
)

// InstallmentPlanService writes installment plans.
type InstallmentPlanService struct {
	*CollectionService
}

// NewInstallmentPlanService creates an InstallmentPlanService.
func NewInstallmentPlanService(deps Deps) *InstallmentPlanService {
	return &InstallmentPlanService{NewCollectionService(models.CollectionInstallmentPlans, deps, installmentPlanRules)}
}

// Create adds a plan. The referenced fee type must exist locally.
func (s *InstallmentPlanService) Create(ctx context.Context, fields map[string]interface{}) (*WriteResult, error) {
	if feeTypeID, ok := fields["fee_type_id"].(string); ok && feeTypeID != "" {
		if _, err := s.deps.Store.Resolve(ctx, models.CollectionFeeTypes, feeTypeID); err != nil {
			return nil, errors.Wrap(errors.ErrValidation, string(s.collection), fmt.Errorf("fee type %s: %w", feeTypeID, err))
		}
	}
	return s.CollectionService.Create(ctx, fields)
}

// ByFeeType lists the plans attached to one fee type.
func (s *InstallmentPlanService) ByFeeType(ctx context.Context, feeTypeID string) ([]*models.Record, error) {
	return s.ListBy(ctx, "by_fee", feeTypeID)
}

// BySchool lists the plans of one school.
func (s *InstallmentPlanService) BySchool(ctx context.Context, schoolID string) ([]*models.Record, error) {
	return s.ListBy(ctx, "by_school", schoolID)
}
