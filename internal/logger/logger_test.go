package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRejectsUnknownLevel(t *testing.T) {
	err := Init(Config{Level: "LOUD"})
	assert.Error(t, err)
}

func TestInitAcceptsLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "INFO", "Warn", "ERROR"} {
		require.NoError(t, Init(Config{Level: lvl}), "level %q", lvl)
	}
}

func TestSetLevel(t *testing.T) {
	require.NoError(t, SetLevel("debug"))
	assert.Error(t, SetLevel("nope"))
}
