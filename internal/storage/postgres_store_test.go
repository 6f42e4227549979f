package storage

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/delivery-dispatch/internal/apperr"
)

func TestInsertErrorMapsConstraints(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"active order index", &pq.Error{Code: uniqueViolation, Constraint: "assignments_active_order"}, apperr.ErrDuplicateOrder},
		{"primary key", &pq.Error{Code: uniqueViolation, Constraint: "assignments_pkey"}, apperr.ErrVersionConflict},
		{"wrapped driver error", fmt.Errorf("exec: %w", &pq.Error{Code: uniqueViolation, Constraint: "assignments_active_order"}), apperr.ErrDuplicateOrder},
		{"other constraint class", &pq.Error{Code: "23503", Constraint: "assignments_order_fk"}, apperr.ErrDependency},
		{"connection lost", sql.ErrConnDone, apperr.ErrDependency},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := insertError(tc.err)
			require.ErrorIs(t, got, tc.want)
		})
	}
}

func TestInsertErrorKeepsDriverCause(t *testing.T) {
	cause := &pq.Error{Code: "57P01", Message: "terminating connection"}
	err := insertError(cause)

	assert.True(t, apperr.Retryable(err))
	assert.NotErrorIs(t, err, apperr.ErrDuplicateOrder)
	var pqErr *pq.Error
	require.ErrorAs(t, err, &pqErr)
	assert.Equal(t, pq.ErrorCode("57P01"), pqErr.Code)
}

func TestDuplicateOrderNamesConstraint(t *testing.T) {
	err := insertError(&pq.Error{Code: uniqueViolation, Constraint: "assignments_active_order"})
	assert.Contains(t, err.Error(), "assignments_active_order")
	assert.Equal(t, "duplicate_order", apperr.Code(err))
}
