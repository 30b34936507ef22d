package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "jo***@example.com", RedactEmail("john.doe@example.com"))
	assert.Equal(t, "***@example.com", RedactEmail("ab@example.com"))
	assert.Equal(t, "***@***", RedactEmail("not-an-email"))
}

func TestInfoRedactsEmails(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Level: "debug", Writer: &buf, RedactPII: true})

	Info("row classified", "email", "someone@example.com", "detail", "rcpt for alice@example.org rejected", "row", 7)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "row classified", entry["message"])
	assert.Equal(t, "so***@example.com", entry["email"])
	assert.Equal(t, "rcpt for al***@example.org rejected", entry["detail"])
	assert.Equal(t, float64(7), entry["row"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Level: "warn", Writer: &buf})

	Info("dropped")
	assert.Zero(t, buf.Len())

	Error("kept", "err", errors.New("boom"))
	assert.Contains(t, buf.String(), `"err":"boom"`)
}

func TestNamedAddsComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Level: "info", Writer: &buf})

	Named("scheduler").Info().Msg("hello")
	assert.Contains(t, buf.String(), `"component":"scheduler"`)
}
