package eventjson

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	doc := json.RawMessage(`{"a":{"b":{"c":"x"}},"n":null,"list":[1]}`)

	got, err := Lookup(doc, "a.b.c")
	require.NoError(t, err)
	assert.Equal(t, `"x"`, string(got))

	got, err = Lookup(doc, "")
	require.NoError(t, err)
	assert.Equal(t, string(doc), string(got))

	_, err = Lookup(doc, "a.z")
	assert.ErrorIs(t, err, ErrFieldMissing)

	_, err = Lookup(doc, "n")
	assert.ErrorIs(t, err, ErrFieldMissing)

	_, err = Lookup(doc, "list.x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrFieldMissing)
}

func TestString(t *testing.T) {
	assert.Equal(t, "abc", String(json.RawMessage(`"abc"`)))
	assert.Equal(t, "12345678901234567890", String(json.RawMessage(`12345678901234567890`)))
	assert.Empty(t, String(json.RawMessage(`{}`)))
}

func TestTime(t *testing.T) {
	want := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		raw  string
		want time.Time
	}{
		{`"2024-05-01T12:00:00Z"`, want},
		{`"2024-05-01T14:00:00+02:00"`, want},
		{`1714564800`, want},
		{`"1714564800"`, want},
		{`1714564800000`, want},
		{`1714564800000000`, want},
		{`1714564800000000000`, want},
		{`1714564800.5`, want.Add(500 * time.Millisecond)},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := Time(json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}

	for _, bad := range []string{`"yesterday"`, `true`, `-5`, `{}`} {
		_, err := Time(json.RawMessage(bad))
		assert.Error(t, err, bad)
	}
}

func TestFields_Extract(t *testing.T) {
	f := Fields{ID: "meta.id", Time: "ts"}

	id, at, err := f.Extract(json.RawMessage(`{"meta":{"id":42},"ts":"2024-05-01T12:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	assert.Equal(t, 2024, at.Year())

	id, _, err = f.Extract(json.RawMessage(`{"ts":"2024-05-01T12:00:00Z"}`))
	require.NoError(t, err)
	assert.Empty(t, id)

	_, _, err = f.Extract(json.RawMessage(`{"meta":{"id":1}}`))
	assert.ErrorIs(t, err, ErrFieldMissing)
}
