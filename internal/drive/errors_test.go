package drive

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/cirrusdrive/cirrus/internal/database"
	"github.com/cirrusdrive/cirrus/internal/storage"
)

func TestError_KindOf(t *testing.T) {
	t.Run("extracts the kind through wrapping", func(t *testing.T) {
		err := fmt.Errorf("handler: %w", NewError(KindQuotaExceeded, "storage quota exceeded"))
		assert.Equal(t, KindQuotaExceeded, KindOf(err))
		assert.True(t, IsKind(err, KindQuotaExceeded))
	})

	t.Run("foreign errors classify as internal", func(t *testing.T) {
		assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	})

	t.Run("wrapped causes stay matchable", func(t *testing.T) {
		err := WrapError(KindBadChunkSet, "chunk set does not match", storage.ErrBadChunkSet)
		assert.ErrorIs(t, err, storage.ErrBadChunkSet)
	})

	t.Run("keys derive from the kind", func(t *testing.T) {
		err := NewError(KindNameConflict, "taken")
		assert.Equal(t, "drive.name_conflict", err.Key)
	})
}

func TestError_FromStorage(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"not found", storage.ErrNotFound, KindNotFound},
		{"oversize stream", storage.ErrOversizeStream, KindOversizeStream},
		{"bad chunk set", storage.ErrBadChunkSet, KindBadChunkSet},
		{"invalid range", storage.ErrInvalidRange, KindConflict},
		{"transient backend fault", &storage.ProviderError{Op: "save", Transient: true, Err: errors.New("timeout")}, KindProviderTransient},
		{"fatal backend fault", &storage.ProviderError{Op: "save", Transient: false, Err: errors.New("denied")}, KindProviderFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, fromStorage("save", tc.err).Kind)
		})
	}
}

func TestError_FromPg(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"no rows", pgx.ErrNoRows, KindNotFound},
		{"unique violation", &pgconn.PgError{Code: database.ErrCodeUniqueViolation}, KindNameConflict},
		{"foreign key violation", &pgconn.PgError{Code: database.ErrCodeForeignKeyViolation}, KindConflict},
		{"serialization failure", &pgconn.PgError{Code: database.ErrCodeSerializationFailure}, KindProviderTransient},
		{"deadlock", &pgconn.PgError{Code: database.ErrCodeDeadlockDetected}, KindProviderTransient},
		{"check violation", &pgconn.PgError{Code: database.ErrCodeCheckViolation, ConstraintName: "users_used_bytes_check"}, KindInternal},
		{"anything else", errors.New("connection refused"), KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, fromPg("insert", tc.err).Kind)
		})
	}
}

func TestRestoredName(t *testing.T) {
	cases := []struct {
		name        string
		isDirectory bool
		want        string
	}{
		{"report.pdf", false, "report (restored).pdf"},
		{"archive.tar.gz", false, "archive.tar (restored).gz"},
		{"README", false, "README (restored)"},
		{".env", false, ".env (restored)"},
		{"photos", true, "photos (restored)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, restoredName(tc.name, tc.isDirectory))
		})
	}
}

func TestMaxAllowedBytes(t *testing.T) {
	t.Run("small claims get the tolerance floor", func(t *testing.T) {
		assert.Equal(t, sizeTolerance, maxAllowedBytes(0))
		assert.Equal(t, int64(10)+sizeTolerance, maxAllowedBytes(10))
	})

	t.Run("large claims get five percent slack", func(t *testing.T) {
		claimed := int64(100 << 20)
		assert.Equal(t, claimed+claimed/20, maxAllowedBytes(claimed))
	})
}
