// Package models provides data model definitions for SchoolSync.
package models

// Collection names a group of records of one type.
type Collection string

const (
	CollectionStudents         Collection = "students"
	CollectionFeeTypes         Collection = "fee_types"
	CollectionInstallmentPlans Collection = "installment_plans"
	CollectionFeePayments      Collection = "fee_payments"
)

// Index is a secondary index over one top-level record field.
type Index struct {
	Name  string
	Field string
}

var collectionIndexes = map[Collection][]Index{
	CollectionStudents: {
		{Name: "by_school", Field: "school_id"},
	},
	CollectionFeeTypes: {
		{Name: "by_school", Field: "school_id"},
	},
	CollectionInstallmentPlans: {
		{Name: "by_school", Field: "school_id"},
		{Name: "by_fee", Field: "fee_type_id"},
	},
	CollectionFeePayments: {
		{Name: "by_student", Field: "student_id"},
		{Name: "by_fee", Field: "fee_type_id"},
		{Name: "by_plan", Field: "plan_id"},
	},
}

// KnownCollections returns every collection that flows through the sync queue.
func KnownCollections() []Collection {
	return []Collection{
		CollectionStudents,
		CollectionFeeTypes,
		CollectionInstallmentPlans,
		CollectionFeePayments,
	}
}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	_, ok := collectionIndexes[c]
	return ok
}

// Indexes returns the secondary indexes declared for c.
func (c Collection) Indexes() []Index {
	return collectionIndexes[c]
}

// Index looks up a secondary index by name.
func (c Collection) Index(name string) (Index, bool) {
	for _, idx := range collectionIndexes[c] {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

func (c Collection) String() string {
	return string(c)
}
