package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/L-maple/ocr/internal/models"
	"golang.org/x/time/rate"
)

// Recognizer sends one page image to an OCR backend and returns the raw
// structured response body.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) ([]byte, error)
}

// Appender persists a batch of records into a sheet of a workbook.
type Appender interface {
	Append(ctx context.Context, workbookPath, sheetName string, records []models.Record) error
}

// PageInvoker runs OCR for a single page image and routes the result to the
// workbook. Errors never cross its boundary: they become a PageFailure and the
// image is copied beside the workbook for manual review.
type PageInvoker struct {
	recognizer Recognizer
	appender   Appender
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// InvokerOption configures a PageInvoker.
type InvokerOption func(*PageInvoker)

// WithRateLimit caps OCR requests per second. Zero or less disables the limit.
func WithRateLimit(perSecond float64) InvokerOption {
	return func(p *PageInvoker) {
		if perSecond > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithInvokerLogger sets the logger used for page level messages.
func WithInvokerLogger(logger *slog.Logger) InvokerOption {
	return func(p *PageInvoker) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPageInvoker creates a PageInvoker.
func NewPageInvoker(recognizer Recognizer, appender Appender, opts ...InvokerOption) *PageInvoker {
	p := &PageInvoker{
		recognizer: recognizer,
		appender:   appender,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Invoke recognizes the page image and appends its records to sheetName.
func (p *PageInvoker) Invoke(ctx context.Context, page int, imagePath, workbookPath, sheetName string) models.PageOutcome {
	records, err := p.Recognize(ctx, imagePath)
	return p.Commit(ctx, page, imagePath, workbookPath, sheetName, records, err)
}

// Recognize runs OCR on the image and extracts its records without touching the
// workbook.
func (p *PageInvoker) Recognize(ctx context.Context, imagePath string) ([]models.Record, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
	}
	image, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read page image: %w", err)
	}
	body, err := p.recognizer.Recognize(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("ocr request failed: %w", err)
	}
	return ExtractFromBody(body)
}

// Commit appends recognized records, or turns recognizeErr into a failure. It must
// be called while the image still exists.
func (p *PageInvoker) Commit(ctx context.Context, page int, imagePath, workbookPath, sheetName string, records []models.Record, recognizeErr error) models.PageOutcome {
	logCtx := p.logger.With("page", page, "image", filepath.Base(imagePath))

	err := recognizeErr
	if err == nil && len(records) > 0 {
		err = p.appender.Append(ctx, workbookPath, sheetName, records)
	}
	if err == nil {
		if len(records) == 0 {
			logCtx.Info("Page recognized with no tax payment lines.")
		} else {
			logCtx.Info("Page appended.", "records", len(records))
		}
		return models.PageSuccess{Page: page, RecordCount: len(records)}
	}

	preserved, copyErr := preserveImage(imagePath, filepath.Dir(workbookPath))
	if copyErr != nil {
		logCtx.Error("Failed to preserve page image.", "error", copyErr)
		err = errors.Join(err, copyErr)
	}
	logCtx.Warn("Page failed. Image kept for manual review.", "error", err, "preserved", preserved)
	return models.PageFailure{Page: page, PreservedImage: preserved, Cause: err}
}

// preserveImage copies src into dir under its original filename.
func preserveImage(src, dir string) (string, error) {
	dst := filepath.Join(dir, filepath.Base(src))
	srcAbs, _ := filepath.Abs(src)
	dstAbs, _ := filepath.Abs(dst)
	if srcAbs == dstAbs {
		return dst, nil
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("could not open image %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("could not create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("failed to copy image to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize %s: %w", dst, err)
	}
	return dst, nil
}
