package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsUniqueViolation(t *testing.T) {
	t.Run("matches the sibling name index violation", func(t *testing.T) {
		err := &pgconn.PgError{
			Code:           ErrCodeUniqueViolation,
			ConstraintName: "files_sibling_name_live_idx",
		}
		assert.True(t, IsUniqueViolation(err))
	})

	t.Run("matches through fmt.Errorf wrapping", func(t *testing.T) {
		err := fmt.Errorf("insert file: %w", &pgconn.PgError{Code: ErrCodeUniqueViolation})
		assert.True(t, IsUniqueViolation(err))
	})

	t.Run("rejects other pg errors", func(t *testing.T) {
		assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: ErrCodeForeignKeyViolation}))
	})

	t.Run("rejects non-pg errors and nil", func(t *testing.T) {
		assert.False(t, IsUniqueViolation(errors.New("connection refused")))
		assert.False(t, IsUniqueViolation(nil))
	})
}

func TestIsForeignKeyViolation(t *testing.T) {
	t.Run("matches a dangling parent reference", func(t *testing.T) {
		err := &pgconn.PgError{
			Code:           ErrCodeForeignKeyViolation,
			ConstraintName: "files_parent_id_fkey",
		}
		assert.True(t, IsForeignKeyViolation(err))
	})

	t.Run("rejects other pg errors", func(t *testing.T) {
		assert.False(t, IsForeignKeyViolation(&pgconn.PgError{Code: ErrCodeUniqueViolation}))
	})

	t.Run("rejects non-pg errors and nil", func(t *testing.T) {
		assert.False(t, IsForeignKeyViolation(errors.New("generic error")))
		assert.False(t, IsForeignKeyViolation(nil))
	})
}

func TestIsCheckViolation(t *testing.T) {
	t.Run("matches the non-negative usage check", func(t *testing.T) {
		err := &pgconn.PgError{
			Code:           ErrCodeCheckViolation,
			ConstraintName: "users_used_bytes_check",
		}
		assert.True(t, IsCheckViolation(err))
	})

	t.Run("rejects other pg errors and nil", func(t *testing.T) {
		assert.False(t, IsCheckViolation(&pgconn.PgError{Code: ErrCodeUniqueViolation}))
		assert.False(t, IsCheckViolation(nil))
	})
}

func TestRetryableClassification(t *testing.T) {
	t.Run("serialization failures are retryable", func(t *testing.T) {
		err := fmt.Errorf("remove subtree: %w", &pgconn.PgError{Code: ErrCodeSerializationFailure})
		assert.True(t, IsSerializationFailure(err))
		assert.False(t, IsDeadlockDetected(err))
	})

	t.Run("deadlocks are retryable", func(t *testing.T) {
		err := &pgconn.PgError{Code: ErrCodeDeadlockDetected}
		assert.True(t, IsDeadlockDetected(err))
		assert.False(t, IsSerializationFailure(err))
	})

	t.Run("plain errors are neither", func(t *testing.T) {
		err := errors.New("broken pipe")
		assert.False(t, IsSerializationFailure(err))
		assert.False(t, IsDeadlockDetected(err))
	})
}

func TestGetConstraintName(t *testing.T) {
	t.Run("returns the violated constraint", func(t *testing.T) {
		err := &pgconn.PgError{
			Code:           ErrCodeUniqueViolation,
			ConstraintName: "files_sibling_name_live_idx",
		}
		assert.Equal(t, "files_sibling_name_live_idx", GetConstraintName(err))
	})

	t.Run("empty for non-pg errors and nil", func(t *testing.T) {
		assert.Equal(t, "", GetConstraintName(errors.New("generic error")))
		assert.Equal(t, "", GetConstraintName(nil))
	})

	t.Run("empty when the backend sets none", func(t *testing.T) {
		assert.Equal(t, "", GetConstraintName(&pgconn.PgError{Code: ErrCodeCheckViolation}))
	})
}
