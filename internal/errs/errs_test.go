package errs_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagen/channelvault/internal/errs"
)

func TestEConstructor(t *testing.T) {
	got := errs.E(
		"something went wrong",
		errs.Detail{Field: "name", Error: "was bad"},
		http.StatusBadRequest,
	)
	want := &errs.Error{
		Err: errors.New("something went wrong"),
		Details: []errs.Detail{
			{Field: "name", Error: "was bad"},
		},
		Status: http.StatusBadRequest,
	}

	assert.Equal(t, want, got)
}

func TestEDefaultsToInternal(t *testing.T) {
	got := errs.E()
	assert.Equal(t, http.StatusInternalServerError, got.Status)
	assert.EqualError(t, got.Err, "Internal Server Error")
}

func TestStatusOf(t *testing.T) {
	wrapped := fmt.Errorf("move: %w", errs.Invalid("order", "must be between 1 and 3"))
	assert.Equal(t, http.StatusBadRequest, errs.StatusOf(wrapped))
	assert.Equal(t, http.StatusNotFound, errs.StatusOf(errs.NotFound("playlist %d not found", 4)))
	assert.Equal(t, http.StatusInternalServerError, errs.StatusOf(errors.New("boom")))
}

func TestMarshalJSON(t *testing.T) {
	byts, err := json.Marshal(errs.Invalid("size", "must be between 1 and 100"))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"message": "invalid size",
		"details": [{"field": "size", "error": "must be between 1 and 100"}],
		"status": 400
	}`, string(byts))
}
