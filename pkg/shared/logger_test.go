package helpers

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerTo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "fleet-coordinator", "warn")

	logger.Info("dropped")
	logger.Warn("kept", "workerId", "w1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "fleet-coordinator", line["service"])
	assert.Equal(t, "w1", line["workerId"])
}

func TestNewLoggerToUnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "svc", "verbose")

	logger.Debug("dropped")
	assert.Zero(t, buf.Len())
	logger.Info("kept")
	assert.NotZero(t, buf.Len())
}

type failingCloser struct{ closed bool }

func (f *failingCloser) Close() error {
	f.closed = true
	return errors.New("already closed")
}

func TestCloseOrLogWith(t *testing.T) {
	var buf bytes.Buffer
	c := &failingCloser{}
	CloseOrLogWith(NewLoggerTo(&buf, "svc", "info"), c)
	assert.True(t, c.closed)
	assert.Contains(t, buf.String(), "already closed")

	// a nil logger swallows the error
	CloseOrLogWith(nil, &failingCloser{})
}
