package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/L-maple/ocr/internal/config"
	"github.com/L-maple/ocr/internal/models"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// WorkbookExt is the extension of the output workbook.
const WorkbookExt = ".xlsx"

// maxSheetNameLength is Excel's limit on sheet names, counted in characters.
const maxSheetNameLength = 31

// ErrMissingCredentials is returned when the access key or secret is empty.
var ErrMissingCredentials = errors.New("access key and access secret must both be provided")

// PreconditionError reports an input file that cannot be processed at all.
type PreconditionError struct {
	Path   string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("cannot process %s: %s", e.Path, e.Reason)
}

// RecognizerFactory builds the OCR backend for the credentials of one run.
type RecognizerFactory func(ctx context.Context, creds config.Credentials) (Recognizer, error)

// PipelineConfig holds the tunables of a pipeline.
type PipelineConfig struct {
	// Concurrency above 1 runs that many OCR requests at once. Rows are still
	// committed in page order.
	Concurrency      int
	OCRRatePerSecond float64
	SkipDuplicates   bool
	// TempDir is the parent of the per-run scratch directory. Empty means the
	// system default.
	TempDir string
}

// Pipeline turns one certificate PDF into workbook rows.
type Pipeline struct {
	rasterizer    Rasterizer
	newRecognizer RecognizerFactory
	appender      Appender
	ledger        Ledger
	archiver      Archiver
	config        PipelineConfig
	logger        *slog.Logger
}

// PipelineOption configures optional collaborators of a Pipeline.
type PipelineOption func(*Pipeline)

// WithLedger records every run and detects PDFs that were processed before.
func WithLedger(l Ledger) PipelineOption {
	return func(p *Pipeline) { p.ledger = l }
}

// WithArchiver uploads the workbook and preserved images after each run.
func WithArchiver(a Archiver) PipelineOption {
	return func(p *Pipeline) { p.archiver = a }
}

// WithPipelineLogger sets the base logger of the pipeline.
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPipeline creates a Pipeline.
func NewPipeline(rasterizer Rasterizer, newRecognizer RecognizerFactory, appender Appender, cfg PipelineConfig, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		rasterizer:    rasterizer,
		newRecognizer: newRecognizer,
		appender:      appender,
		config:        cfg,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkbookPathFor returns the workbook written for a PDF: the same path with the
// extension replaced.
func WorkbookPathFor(pdfPath string) string {
	return strings.TrimSuffix(pdfPath, filepath.Ext(pdfPath)) + WorkbookExt
}

// SheetNameFor returns the sheet a PDF's rows go to: its base name without
// extension, adjusted only as far as Excel's sheet name rules require.
func SheetNameFor(pdfPath string) string {
	base := filepath.Base(pdfPath)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	name = strings.Map(func(r rune) rune {
		switch r {
		case ':', '\\', '/', '?', '*', '[', ']':
			return '_'
		}
		return r
	}, name)
	name = strings.Trim(name, "'")
	if utf8.RuneCountInString(name) > maxSheetNameLength {
		name = string([]rune(name)[:maxSheetNameLength])
	}
	if name == "" || name == headersSheet {
		name = "Sheet_" + name
	}
	return name
}

// PageImageName is the file name of the rasterized image of page index (0-based).
func PageImageName(index int, sheetName string) string {
	return fmt.Sprintf("invoice-%d-%s.jpg", index, sheetName)
}

// Run processes every page of the PDF and returns the run's result. Page level
// problems only raise the failure count; the returned error is reserved for
// preconditions and run-fatal failures.
func (p *Pipeline) Run(ctx context.Context, pdfPath string, creds config.Credentials) (*models.RunResult, error) {
	return p.run(ctx, uuid.NewString(), pdfPath, creds)
}

func (p *Pipeline) run(ctx context.Context, runID, pdfPath string, creds config.Credentials) (*models.RunResult, error) {
	if !creds.Complete() {
		return nil, ErrMissingCredentials
	}
	if err := checkPDF(pdfPath); err != nil {
		return nil, err
	}

	result := &models.RunResult{
		RunID:        runID,
		PDFPath:      pdfPath,
		WorkbookPath: WorkbookPathFor(pdfPath),
		SheetName:    SheetNameFor(pdfPath),
		StartedAt:    time.Now(),
	}
	logCtx := p.logger.With("runId", runID, "pdf", filepath.Base(pdfPath))
	logCtx.Info("Processing certificate PDF.", "workbook", result.WorkbookPath, "sheet", result.SheetName)

	recognizer, err := p.newRecognizer(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to create OCR client: %w", err)
	}

	ledgerID, skip := p.openLedger(ctx, logCtx, result)
	if skip {
		result.FinishedAt = time.Now()
		return result, nil
	}

	tempDir, err := os.MkdirTemp(p.config.TempDir, "cert2xlsx-*")
	if err != nil {
		return nil, p.handleError(ctx, logCtx, ledgerID, "failed to create temp dir", err)
	}
	logCtx.Info("Created temp directory.", "path", tempDir)

	images, err := p.rasterize(ctx, pdfPath, tempDir, result.SheetName)
	if err != nil {
		p.discardTempDir(logCtx, tempDir)
		return nil, p.handleError(ctx, logCtx, ledgerID, "failed to rasterize PDF", err)
	}
	result.Pages = len(images)
	logCtx.Info("PDF rasterized.", "pageCount", len(images))

	invoker := NewPageInvoker(recognizer, p.appender,
		WithRateLimit(p.config.OCRRatePerSecond),
		WithInvokerLogger(logCtx),
	)
	if p.config.Concurrency > 1 {
		p.processConcurrently(ctx, logCtx, invoker, images, result)
	} else {
		p.processSequentially(ctx, logCtx, invoker, images, result)
	}

	if err := os.RemoveAll(tempDir); err != nil {
		return nil, p.handleError(ctx, logCtx, ledgerID, "failed to remove temp dir", err)
	}
	result.FinishedAt = time.Now()

	p.closeLedger(ctx, logCtx, ledgerID, result)
	p.archive(ctx, logCtx, result)

	logCtx.Info("Run complete.",
		"pages", result.Pages,
		"failures", result.Failures,
		"records", result.RecordCount(),
		"duration", result.FinishedAt.Sub(result.StartedAt).String(),
	)
	return result, nil
}

// processSequentially handles pages strictly one after another, deleting each
// image as soon as its page is done.
func (p *Pipeline) processSequentially(ctx context.Context, logCtx *slog.Logger, invoker *PageInvoker, images []string, result *models.RunResult) {
	for i, image := range images {
		logCtx.Info("Processing page.", "page", i+1, "of", len(images))
		result.Add(invoker.Invoke(ctx, i, image, result.WorkbookPath, result.SheetName))
		removePageImage(logCtx, image)
	}
}

// processConcurrently overlaps OCR requests but commits results through this
// goroutine alone, in ascending page order. An image is deleted only after its
// page has been committed.
func (p *Pipeline) processConcurrently(ctx context.Context, logCtx *slog.Logger, invoker *PageInvoker, images []string, result *models.RunResult) {
	type recognized struct {
		records []models.Record
		err     error
		done    chan struct{}
	}
	slots := make([]*recognized, len(images))
	for i := range slots {
		slots[i] = &recognized{done: make(chan struct{})}
	}

	var eg errgroup.Group
	eg.SetLimit(p.config.Concurrency)
	go func() {
		for i, image := range images {
			slot := slots[i]
			eg.Go(func() error {
				slot.records, slot.err = invoker.Recognize(ctx, image)
				close(slot.done)
				return nil
			})
		}
	}()

	for i, image := range images {
		<-slots[i].done
		logCtx.Info("Committing page.", "page", i+1, "of", len(images))
		result.Add(invoker.Commit(ctx, i, image, result.WorkbookPath, result.SheetName, slots[i].records, slots[i].err))
		removePageImage(logCtx, image)
	}
	_ = eg.Wait()
}

// rasterize renders the PDF and gives every page its stable name.
func (p *Pipeline) rasterize(ctx context.Context, pdfPath, tempDir, sheetName string) ([]string, error) {
	rendered, err := p.rasterizer.Rasterize(ctx, pdfPath, tempDir)
	if err != nil {
		return nil, err
	}
	if len(rendered) == 0 {
		return nil, errors.New("no pages rendered")
	}
	images := make([]string, len(rendered))
	for i, src := range rendered {
		images[i] = filepath.Join(tempDir, PageImageName(i, sheetName))
		if err := os.Rename(src, images[i]); err != nil {
			return nil, fmt.Errorf("failed to name page %d: %w", i+1, err)
		}
	}
	return images, nil
}

// openLedger registers the run. It reports skip when the PDF was seen before and
// duplicates are configured to be skipped. Ledger problems never fail a run.
func (p *Pipeline) openLedger(ctx context.Context, logCtx *slog.Logger, result *models.RunResult) (string, bool) {
	if p.ledger == nil {
		return "", false
	}
	fileHash, err := calculateFileHash(result.PDFPath)
	if err != nil {
		logCtx.Warn("Failed to calculate file hash. Ledger disabled for this run.", "error", err)
		return "", false
	}
	seen, docID, err := p.ledger.Seen(ctx, fileHash)
	if err != nil {
		logCtx.Warn("Failed to check ledger for duplicates.", "error", err)
	} else if seen {
		result.Duplicate = true
		if p.config.SkipDuplicates {
			logCtx.Info("Duplicate file detected. Skipping.", "existingDocId", docID)
			return "", true
		}
		logCtx.Warn("This PDF was processed before; rows will be appended again.", "existingDocId", docID)
	}
	id, err := p.ledger.Begin(ctx, models.Document{
		FileHash:         fileHash,
		OriginalFilename: filepath.Base(result.PDFPath),
		Status:           models.StatusProcessing,
		WorkbookPath:     result.WorkbookPath,
		SheetName:        result.SheetName,
		RunID:            result.RunID,
		CreatedAt:        result.StartedAt,
	})
	if err != nil {
		logCtx.Warn("Failed to create ledger entry.", "error", err)
		return "", false
	}
	return id, false
}

func (p *Pipeline) closeLedger(ctx context.Context, logCtx *slog.Logger, ledgerID string, result *models.RunResult) {
	if p.ledger == nil || ledgerID == "" {
		return
	}
	status := models.StatusCompleted
	if result.Failures > 0 {
		status = models.StatusPartial
	}
	update := LedgerUpdate{Status: status, PageCount: result.Pages, FailureCount: result.Failures}
	if err := p.ledger.Finish(ctx, ledgerID, update); err != nil {
		logCtx.Warn("Failed to update ledger entry.", "error", err)
	}
}

func (p *Pipeline) archive(ctx context.Context, logCtx *slog.Logger, result *models.RunResult) {
	if p.archiver == nil {
		return
	}
	var files []string
	if _, err := os.Stat(result.WorkbookPath); err == nil {
		files = append(files, result.WorkbookPath)
	}
	files = append(files, result.PreservedImages...)
	if len(files) == 0 {
		return
	}
	if err := p.archiver.Archive(ctx, path.Join(result.SheetName, result.RunID), files); err != nil {
		logCtx.Warn("Failed to archive run artifacts.", "error", err)
		return
	}
	logCtx.Info("Run artifacts archived.", "files", len(files))
}

// handleError logs a run-fatal error, marks the ledger entry failed and returns the
// wrapped error.
func (p *Pipeline) handleError(ctx context.Context, logCtx *slog.Logger, ledgerID, message string, originalErr error) error {
	logCtx.Error(message, "error", originalErr)
	if p.ledger != nil && ledgerID != "" {
		update := LedgerUpdate{Status: models.StatusFailed, ErrorDetails: fmt.Sprintf("%s: %v", message, originalErr)}
		if err := p.ledger.Finish(ctx, ledgerID, update); err != nil {
			logCtx.Error("Failed to mark ledger entry as FAILED after a run error.", "updateError", err)
		}
	}
	return fmt.Errorf("%s: %w", message, originalErr)
}

func (p *Pipeline) discardTempDir(logCtx *slog.Logger, tempDir string) {
	if err := os.RemoveAll(tempDir); err != nil {
		logCtx.Warn("Temp directory left behind.", "path", tempDir, "error", err)
	}
}

func removePageImage(logCtx *slog.Logger, image string) {
	if err := os.Remove(image); err != nil && !errors.Is(err, os.ErrNotExist) {
		logCtx.Warn("Failed to delete page image.", "image", image, "error", err)
	}
}

func checkPDF(pdfPath string) error {
	if pdfPath == "" {
		return &PreconditionError{Path: pdfPath, Reason: "no file selected"}
	}
	info, err := os.Stat(pdfPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &PreconditionError{Path: pdfPath, Reason: "file does not exist"}
		}
		return &PreconditionError{Path: pdfPath, Reason: err.Error()}
	}
	if info.IsDir() {
		return &PreconditionError{Path: pdfPath, Reason: "is a directory"}
	}
	if !strings.EqualFold(filepath.Ext(pdfPath), ".pdf") {
		return &PreconditionError{Path: pdfPath, Reason: "not a PDF file"}
	}
	return nil
}
