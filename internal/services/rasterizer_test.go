package services

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageIndexFromName(t *testing.T) {
	assert.Equal(t, 0, pageIndexFromName("/tmp/x/page-1.jpg"))
	assert.Equal(t, 9, pageIndexFromName("page-10.jpg"))
	assert.Equal(t, 11, pageIndexFromName("page-012.jpg"))
	assert.Equal(t, 0, pageIndexFromName("cover.jpg"))
}

func TestLargestFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logo.png"), make([]byte, 10), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scan.jpg"), make([]byte, 1000), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o700))

	got, err := largestFile(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "scan.jpg"), got)

	_, err = largestFile(t.TempDir())
	assert.Error(t, err)
}

func TestToJPEG(t *testing.T) {
	dir := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})

	src := filepath.Join(dir, "scan.png")
	f, err := os.Create(src)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	dst := filepath.Join(dir, "page-00001.jpg")
	require.NoError(t, toJPEG(src, dst))

	out, err := os.Open(dst)
	require.NoError(t, err)
	defer out.Close()
	decoded, err := jpeg.Decode(out)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 4), decoded.Bounds())
}

func TestToJPEGMovesJPEG(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "scan.JPG")
	require.NoError(t, os.WriteFile(src, []byte("jpeg bytes"), 0o600))

	dst := filepath.Join(dir, "page-00001.jpg")
	require.NoError(t, toJPEG(src, dst))
	assert.NoFileExists(t, src)
	content, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(content))
}

func TestToJPEGRejectsUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "scan.jbig2")
	require.NoError(t, os.WriteFile(src, []byte("not an image"), 0o600))
	assert.Error(t, toJPEG(src, filepath.Join(dir, "out.jpg")))
}

// fakePdftoppm writes a script that behaves like pdftoppm: the last argument is the
// output prefix and one file per page is written as <prefix>-<n>.jpg.
func fakePdftoppm(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in needs a POSIX shell")
	}
	script := filepath.Join(t.TempDir(), "pdftoppm")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nfor last; do :; done\n"+body), 0o700))
	return script
}

func TestPopplerRasterizerOrdersPagesNumerically(t *testing.T) {
	// Unpadded numbers sort 1, 10, 11, 2 by name.
	binary := fakePdftoppm(t, "for i in 1 2 3 4 5 6 7 8 9 10 11; do echo $i > \"$last-$i.jpg\"; done\n")
	out := t.TempDir()

	pages, err := PopplerRasterizer{Binary: binary, DPI: 150}.Rasterize(context.Background(), "in.pdf", out)
	require.NoError(t, err)
	require.Len(t, pages, 11)
	for i, page := range pages {
		assert.Equal(t, filepath.Join(out, fmt.Sprintf("page-%d.jpg", i+1)), page)
	}
}

func TestPopplerRasterizerFailures(t *testing.T) {
	t.Run("tool error", func(t *testing.T) {
		binary := fakePdftoppm(t, "echo 'Syntax Error: broken xref' >&2\nexit 1\n")
		_, err := PopplerRasterizer{Binary: binary}.Rasterize(context.Background(), "in.pdf", t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken xref")
	})

	t.Run("no pages", func(t *testing.T) {
		binary := fakePdftoppm(t, "exit 0\n")
		_, err := PopplerRasterizer{Binary: binary}.Rasterize(context.Background(), "in.pdf", t.TempDir())
		assert.Error(t, err)
	})
}
