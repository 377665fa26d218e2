package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, parseLevel("debug"))
	assert.Equal(t, LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, parseLevel("warn"))
	assert.Equal(t, LevelWarn, parseLevel("warning"))
	assert.Equal(t, LevelError, parseLevel("error"))
	assert.Equal(t, LevelInfo, parseLevel(""))
	assert.Equal(t, LevelInfo, parseLevel("bogus"))
}

func TestInitializeWithLevel_GatesDebugOutput(t *testing.T) {
	InitializeWithLevel("info")
	assert.False(t, IsDebugEnabled())

	InitializeWithLevel("debug")
	assert.True(t, IsDebugEnabled())

	InitializeWithLevel("error")
	assert.False(t, IsDebugEnabled())
}
