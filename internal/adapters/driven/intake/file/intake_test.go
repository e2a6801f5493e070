package file

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/ingestd/internal/core/domain"
)

type bufferCloser struct {
	bytes.Buffer
	closed bool
	err    error
}

func (b *bufferCloser) Write(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	return b.Buffer.Write(p)
}

func (b *bufferCloser) Close() error {
	b.closed = true
	return nil
}

func withBuffer(b *bufferCloser) Option {
	return WithWriterFactory(func(Config) (io.WriteCloser, error) { return b, nil })
}

func encoded(ids ...string) []domain.EncodedRecord {
	out := make([]domain.EncodedRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.EncodedRecord{DedupID: id, Body: []byte(`{"id":"` + id + `"}`)})
	}
	return out
}

func TestIntake_WritesOneLinePerRecord(t *testing.T) {
	buf := &bufferCloser{}
	in, err := New(Config{Path: "ignored"}, withBuffer(buf))
	require.NoError(t, err)

	resp, err := in.Push(context.Background(), "k", encoded("a", "b"))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, resp.IDs)
	assert.Equal(t, "{\"id\":\"a\"}\n{\"id\":\"b\"}\n", buf.String())
}

func TestIntake_WriteErrorIsTransient(t *testing.T) {
	buf := &bufferCloser{err: errors.New("disk full")}
	in, err := New(Config{Path: "ignored"}, withBuffer(buf))
	require.NoError(t, err)

	_, err = in.Push(context.Background(), "k", encoded("a"))
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))
}

func TestIntake_PushAfterClose(t *testing.T) {
	buf := &bufferCloser{}
	in, err := New(Config{Path: "ignored"}, withBuffer(buf))
	require.NoError(t, err)

	require.NoError(t, in.Close())
	assert.True(t, buf.closed)
	require.NoError(t, in.Close())

	_, err = in.Push(context.Background(), "k", encoded("a"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, domain.KindPermanent, domain.KindOf(err))
}

func TestIntake_RotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	in, err := New(Config{Path: path, MaxSizeMB: 1, MaxBackups: 2})
	require.NoError(t, err)

	_, err = in.Push(context.Background(), "k", encoded("a", "b", "c"))
	require.NoError(t, err)
	require.NoError(t, in.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 3)
}

func TestNew_RequiresPath(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
