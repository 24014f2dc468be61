package apperr

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindsAndStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   Kind
		status int
	}{
		{"validation", Validation("geohash must be 7 characters", "geohash", "abc"), KindValidation, http.StatusBadRequest},
		{"not found", NotFound("tile not found"), KindNotFound, http.StatusNotFound},
		{"no rows", Datastore(sql.ErrNoRows), KindNotFound, http.StatusNotFound},
		{"datastore", Datastore(errors.New("connection refused")), KindDatastore, http.StatusInternalServerError},
		{"plain", errors.New("boom"), KindDatastore, http.StatusInternalServerError},
		{"batch", Batch("ecoregion 12", errors.New("bad polygon")), KindBatchFailure, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
		})
	}
}

func TestErrorsIsMatchesSentinelThroughWrapping(t *testing.T) {
	err := fmt.Errorf("lookup: %w", NotFound("tile not found", "geohash", "dr5ru6j"))

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrValidation)

	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "dr5ru6j", ae.Context["geohash"])
}

func TestDatastoreKeepsClassifiedErrors(t *testing.T) {
	v := Validation("bad")
	assert.Same(t, error(v), Datastore(v))
	assert.NoError(t, Datastore(nil))
}

func TestBatchUnwrapsCause(t *testing.T) {
	cause := errors.New("invalid geometry")
	err := Batch("ecoregion 7", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ecoregion 7")
}
