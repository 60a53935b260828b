package services

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	_ "golang.org/x/image/tiff"
)

const defaultDPI = 200

// Rasterizer renders every page of a PDF into a JPEG file inside outDir and
// returns the files ordered by page.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdfPath, outDir string) ([]string, error)
}

// PopplerRasterizer renders pages with pdftoppm.
type PopplerRasterizer struct {
	DPI    int
	Binary string
}

func (r PopplerRasterizer) Rasterize(ctx context.Context, pdfPath, outDir string) ([]string, error) {
	dpi := r.DPI
	if dpi <= 0 {
		dpi = defaultDPI
	}
	binary := r.Binary
	if binary == "" {
		binary = "pdftoppm"
	}
	prefix := filepath.Join(outDir, "page")
	args := []string{"-jpeg", "-r", strconv.Itoa(dpi), pdfPath, prefix}
	cmd := exec.CommandContext(ctx, binary, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	matches, err := filepath.Glob(prefix + "-*.jpg")
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, errors.New("no rendered pages found")
	}
	sort.Slice(matches, func(i, j int) bool {
		return pageIndexFromName(matches[i]) < pageIndexFromName(matches[j])
	})
	return matches, nil
}

// PDFCPURasterizer pulls the scanned image out of each page with pdfcpu. It suits
// certificates that were scanned to PDF, where every page is a single image.
type PDFCPURasterizer struct{}

func (PDFCPURasterizer) Rasterize(ctx context.Context, pdfPath, outDir string) ([]string, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pageCount, err := api.PageCountFile(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}
	if pageCount == 0 {
		return nil, errors.New("pdf has no pages")
	}

	pages := make([]string, 0, pageCount)
	for page := 1; page <= pageCount; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pageDir := filepath.Join(outDir, fmt.Sprintf("extract-%05d", page))
		if err := os.MkdirAll(pageDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create extraction dir: %w", err)
		}
		if err := api.ExtractImagesFile(pdfPath, pageDir, []string{strconv.Itoa(page)}, conf); err != nil {
			return nil, fmt.Errorf("page %d: failed to extract images: %w", page, err)
		}
		scan, err := largestFile(pageDir)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		target := filepath.Join(outDir, fmt.Sprintf("page-%05d.jpg", page))
		if err := toJPEG(scan, target); err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		if err := os.RemoveAll(pageDir); err != nil {
			return nil, fmt.Errorf("failed to remove extraction dir: %w", err)
		}
		pages = append(pages, target)
	}
	return pages, nil
}

// largestFile picks the biggest file of dir, which for a scanned page is the scan
// itself rather than a logo or stamp.
func largestFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var best string
	var bestSize int64 = -1
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return "", err
		}
		if info.Size() > bestSize {
			best, bestSize = filepath.Join(dir, e.Name()), info.Size()
		}
	}
	if best == "" {
		return "", errors.New("page contains no image")
	}
	return best, nil
}

// toJPEG moves a JPEG into place or re-encodes any other decodable image.
func toJPEG(src, dst string) error {
	switch strings.ToLower(filepath.Ext(src)) {
	case ".jpg", ".jpeg":
		return os.Rename(src, dst)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	img, _, err := image.Decode(in)
	if err != nil {
		return fmt.Errorf("unsupported page image %s: %w", filepath.Base(src), err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: 95}); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func pageIndexFromName(path string) int {
	base := filepath.Base(path)
	idx := strings.LastIndex(base, "-")
	if idx >= 0 {
		number := strings.TrimSuffix(base[idx+1:], filepath.Ext(base))
		if v, err := strconv.Atoi(number); err == nil {
			return v - 1
		}
	}
	return 0
}
