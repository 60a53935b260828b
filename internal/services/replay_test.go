package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplay(t *testing.T) {
	dir := t.TempDir()
	response := filepath.Join(dir, "page.json")
	body := certificateBody(t, "C1", 100, []map[string]any{
		line("V1", "t", "i", "d", 60),
		line("V2", "t", "i", "d", 40),
	})
	require.NoError(t, os.WriteFile(response, body, 0o600))

	pdf := filepath.Join(dir, "foo.pdf")
	n, err := Replay(context.Background(), newTestAppender(t), response, pdf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, readRows(t, filepath.Join(dir, "foo.xlsx"), "foo"), 3)
}

func TestReplayErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Replay(context.Background(), &fakeAppender{}, filepath.Join(dir, "missing.json"), "foo.pdf")
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"prism_keyValueInfo":[]}`), 0o600))
	_, err = Replay(context.Background(), &fakeAppender{}, bad, "foo.pdf")
	var decodeErr *DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}
