package httpHelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CARTAvis/go-fleet/pkg/shared/defs"
)

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusNotFound, "Not found")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body defs.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Not found", body.Error)
}

func TestWriteTimings(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteTimings(rec, Timings{"select": 2 * time.Millisecond, "encode": 500 * time.Microsecond})

	assert.Equal(t, "encode;dur=0.50,select;dur=2.00", rec.Header().Get("Server-Timing"))
}
