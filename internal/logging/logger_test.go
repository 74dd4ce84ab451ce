package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, "info", FormatJSON)
	require.NoError(t, err)

	log.Debug("hidden")
	log.WithFields(logrus.Fields{"step": 4, "voxels": 24}).Info("fitting tensors")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "fitting tensors", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, float64(24), entry["voxels"])
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, "DEBUG", "")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	log.WithField("path", "grad.bvec").Debug("reading gradients")
	assert.Contains(t, buf.String(), "level=debug")
	assert.Contains(t, buf.String(), "path=grad.bvec")
}

func TestNewErrors(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "loud", FormatText)
	assert.Error(t, err)

	_, err = New(&bytes.Buffer{}, "info", "xml")
	assert.Error(t, err)
}

func TestDiscard(t *testing.T) {
	log := Discard()
	log.Error("nowhere")
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
}
