package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevelAcceptsKnownNamesCaseInsensitively(t *testing.T) {
	cases := map[string]Level{"debug": DebugLevel, "INFO": InfoLevel, "warn": WarnLevel, "warning": WarnLevel, "Error": ErrorLevel}
	for s, want := range cases {
		got, err := ParseLevel(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}
}

func TestParseLevelRejectsUnknownName(t *testing.T) {
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestLoggerFiltersBelowConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	color := false
	log := New(Options{Level: WarnLevel, Format: TextFormat, Output: &buf, Color: &color})

	log.Info("should be dropped")
	assert.Empty(t, buf.String())

	log.Warn("should appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestLoggerJSONFormatEncodesFieldsAndComponent(t *testing.T) {
	var buf bytes.Buffer
	color := false
	log := New(Options{Level: DebugLevel, Format: JSONFormat, Output: &buf, Color: &color}).With("transition-pool")

	log.Info("task advanced", map[string]interface{}{"task": "abcd1234"})

	var got Entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "INFO", got.Level)
	assert.Equal(t, "transition-pool", got.Component)
	assert.Equal(t, "task advanced", got.Message)
	assert.Equal(t, "abcd1234", got.Fields["task"])
}

func TestLoggerTextFormatOmitsColorCodesWhenDisabled(t *testing.T) {
	var buf bytes.Buffer
	color := false
	log := New(Options{Level: InfoLevel, Format: TextFormat, Output: &buf, Color: &color})
	log.Errorf("boom: %d", 42)
	assert.NotContains(t, buf.String(), "\x1b[")
	assert.Contains(t, buf.String(), "boom: 42")
}

func TestLoggerTextFormatAppliesColorWhenForced(t *testing.T) {
	var buf bytes.Buffer
	color := true
	log := New(Options{Level: InfoLevel, Format: TextFormat, Output: &buf, Color: &color})
	log.Warn("careful")
	assert.True(t, strings.Contains(buf.String(), "\x1b["), "expected ANSI color codes when Color is forced true")
}

func TestWithPreservesLevelAndFormatButChangesComponent(t *testing.T) {
	var buf bytes.Buffer
	color := false
	base := New(Options{Level: ErrorLevel, Format: JSONFormat, Output: &buf, Color: &color})
	derived := base.With("runner-group")

	assert.False(t, derived.Enabled(WarnLevel))
	assert.True(t, derived.Enabled(ErrorLevel))
	derived.Error("failed")

	var got Entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "runner-group", got.Component)
}

func TestSetLevelChangesFilteringAtRuntime(t *testing.T) {
	var buf bytes.Buffer
	color := false
	log := New(Options{Level: ErrorLevel, Format: TextFormat, Output: &buf, Color: &color})
	log.Warn("dropped")
	assert.Empty(t, buf.String())

	log.SetLevel(WarnLevel)
	log.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}
