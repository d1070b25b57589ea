package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":  zerolog.DebugLevel,
		"dev":    zerolog.DebugLevel,
		" INFO ": zerolog.InfoLevel,
		"warn":   zerolog.WarnLevel,
		"prod":   zerolog.ErrorLevel,
		"bogus":  zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in, zerolog.InfoLevel), in)
	}
}

func TestPionFactoryTagsScope(t *testing.T) {
	var buf bytes.Buffer
	factory := PionFactory{Logger: zerolog.New(&buf).Level(zerolog.WarnLevel)}

	l := factory.NewLogger("ice")
	l.Debug("hidden")
	l.Warnf("candidate %d failed", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"scope":"ice"`)
	assert.Contains(t, out, "candidate 3 failed")
}
