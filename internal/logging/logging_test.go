package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewWithOutput_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput(&buf, "debug", "json")
	log.WithField("session", "abc").Debug("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "hello", entry["msg"])
	require.Equal(t, "abc", entry["session"])
}

func TestNewWithOutput_BadLevel(t *testing.T) {
	log := NewWithOutput(&bytes.Buffer{}, "loud", "text")
	require.Equal(t, logrus.InfoLevel, log.GetLevel())
}
