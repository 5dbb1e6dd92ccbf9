package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorError(t *testing.T) {
	assert.Equal(t, "nope", NotFound("nope").Error())

	cause := errors.New("root cause")
	wrapped := Wrap(cause, ErrCodeInternal, "operation failed")
	assert.Equal(t, "operation failed: root cause", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "x"))
	assert.Nil(t, Wrapf(nil, ErrCodeInternal, "x %d", 1))
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		err  error
		pred func(error) bool
		code ErrorCode
	}{
		{NotFoundf("job %s", "abc"), IsNotFound, ErrCodeNotFound},
		{InvalidJob("missing params"), IsInvalidJob, ErrCodeInvalidJob},
		{InvalidStatef("got %s", "running"), IsInvalidState, ErrCodeInvalidState},
		{Validation("bad value"), IsValidation, ErrCodeValidation},
		{Conflict("duplicate"), IsConflict, ErrCodeConflict},
		{Internalf("boom %d", 1), IsInternal, ErrCodeInternal},
	}
	for _, tc := range tests {
		assert.True(t, tc.pred(tc.err), "%v", tc.err)
		assert.Equal(t, tc.code, GetCode(tc.err))
		// Predicates see through wrapping.
		assert.True(t, tc.pred(fmt.Errorf("outer: %w", tc.err)))
	}

	assert.False(t, IsNotFound(errors.New("plain")))
	assert.Equal(t, ErrorCode(""), GetCode(errors.New("plain")))
	assert.False(t, IsNotFound(nil))
}

func TestMapDBError(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, MapDBError(nil))
	})

	t.Run("no rows", func(t *testing.T) {
		assert.True(t, IsNotFound(MapDBError(sql.ErrNoRows)))
		assert.True(t, IsNotFound(MapDBError(pgx.ErrNoRows)))
		assert.True(t, IsNotFound(MapDBError(fmt.Errorf("scan: %w", sql.ErrNoRows))))
	})

	t.Run("context errors", func(t *testing.T) {
		assert.Equal(t, ErrCodeTimeout, GetCode(MapDBError(context.DeadlineExceeded)))
		assert.Equal(t, ErrCodeCanceled, GetCode(MapDBError(context.Canceled)))
	})

	t.Run("pg error codes", func(t *testing.T) {
		tests := []struct {
			pgCode string
			want   ErrorCode
		}{
			{pgerrcode.UniqueViolation, ErrCodeConflict},
			{pgerrcode.ForeignKeyViolation, ErrCodeConflict},
			{pgerrcode.CheckViolation, ErrCodeValidation},
			{pgerrcode.NotNullViolation, ErrCodeValidation},
			{pgerrcode.SerializationFailure, ErrCodeInternal},
		}
		for _, tc := range tests {
			err := MapDBError(&pgconn.PgError{Code: tc.pgCode})
			require.Error(t, err)
			assert.Equal(t, tc.want, GetCode(err), "pg code %s", tc.pgCode)
		}
	})

	t.Run("unrecognized passes through", func(t *testing.T) {
		err := errors.New("weird driver failure")
		assert.Equal(t, err, MapDBError(err))
	})
}
