package handlers

import (
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opscentral/backend/internal/errs"
)

func TestWriteEngineError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation maps to 400", errs.Validation("amount must be positive"), 400},
		{"state conflict maps to 409", errs.StateConflict("already approved"), 409},
		{"not found maps to 404", errs.NotFound("no such loan"), 404},
		{"unknown maps to 500", fmt.Errorf("connection reset"), 500},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeEngineError(rec, tc.err)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}
