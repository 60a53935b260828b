package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/L-maple/ocr/internal/models"
	"github.com/gofrs/flock"
	"github.com/xuri/excelize/v2"
)

// headersSheet is a hidden sheet holding the committed header of every data sheet,
// one row per sheet: the sheet name followed by its columns.
const headersSheet = "_headers"

// ErrWorkbookLocked is returned when another writer holds the workbook lock.
var ErrWorkbookLocked = errors.New("workbook is locked by another writer")

// WorkbookError represents errors related to workbook operations
type WorkbookError struct {
	Operation string
	Path      string
	Cause     error
}

func (e *WorkbookError) Error() string {
	return fmt.Sprintf("workbook error during %s on %s: %v", e.Operation, e.Path, e.Cause)
}

func (e *WorkbookError) Unwrap() error {
	return e.Cause
}

// SheetError represents errors related to worksheet operations
type SheetError struct {
	Operation string
	SheetName string
	Cause     error
}

func (e *SheetError) Error() string {
	return fmt.Sprintf("worksheet error during %s on sheet '%s': %v", e.Operation, e.SheetName, e.Cause)
}

func (e *SheetError) Unwrap() error {
	return e.Cause
}

// SheetAppender merges records into a named sheet of an xlsx workbook. Every call
// loads the workbook, appends and rewrites the whole file. Calls are serialized
// in-process and guarded across processes by an advisory file lock.
type SheetAppender struct {
	mu      sync.Mutex
	lockDir string
	logger  *slog.Logger
}

// NewSheetAppender creates an appender. Lock files are kept in lockDir, or in the
// system temp directory when lockDir is empty.
func NewSheetAppender(lockDir string, logger *slog.Logger) *SheetAppender {
	if lockDir == "" {
		lockDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SheetAppender{lockDir: lockDir, logger: logger}
}

// Append adds one row per record to sheetName in the workbook at workbookPath,
// creating the workbook and the sheet as needed. An empty batch is a no-op.
func (a *SheetAppender) Append(ctx context.Context, workbookPath, sheetName string, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if sheetName == "" || sheetName == headersSheet {
		return &SheetError{Operation: "append", SheetName: sheetName, Cause: errors.New("sheet name is reserved or empty")}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	fileLock := flock.New(a.lockPath(workbookPath))
	locked, err := fileLock.TryLock()
	if err != nil {
		return &WorkbookError{Operation: "lock", Path: workbookPath, Cause: err}
	}
	if !locked {
		return &WorkbookError{Operation: "lock", Path: workbookPath, Cause: ErrWorkbookLocked}
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			a.logger.Warn("Failed to release workbook lock.", "path", workbookPath, "error", err)
		}
	}()

	f, created, err := openOrCreateWorkbook(workbookPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := f.Close(); err != nil {
			a.logger.Warn("Failed to close workbook.", "path", workbookPath, "error", err)
		}
	}()

	if err := ensureSheet(f, sheetName, created); err != nil {
		return err
	}

	rows, err := f.GetRows(sheetName)
	if err != nil {
		return &SheetError{Operation: "read", SheetName: sheetName, Cause: err}
	}
	header, stored, err := loadHeader(f, sheetName, rows)
	if err != nil {
		return err
	}

	nextRow := len(rows) + 1
	if blankSheet(rows) {
		if !header.Committed() {
			header = models.Header(records[0].Names())
		}
		if err := setRow(f, sheetName, 1, headerCells(header)); err != nil {
			return err
		}
		nextRow = 2
	}
	if !stored {
		a.logger.Debug("Recording sheet header.", "sheet", sheetName, "header", []string(header))
		if err := storeHeader(f, sheetName, header); err != nil {
			return err
		}
	}

	for _, record := range records {
		if dropped := droppedFields(record, header); len(dropped) > 0 {
			a.logger.Debug("Record fields not in sheet header were dropped.", "sheet", sheetName, "fields", dropped)
		}
		if err := setRow(f, sheetName, nextRow, Project(record, header)); err != nil {
			return err
		}
		nextRow++
	}

	if err := f.SaveAs(workbookPath); err != nil {
		return &WorkbookError{Operation: "save", Path: workbookPath, Cause: err}
	}
	a.logger.Debug("Appended rows to sheet.", "path", workbookPath, "sheet", sheetName, "rows", len(records))
	return nil
}

// Project lays a record out in header order. Columns the record lacks are empty.
func Project(record models.Record, header models.Header) []any {
	row := make([]any, len(header))
	for i, name := range header {
		if v, ok := record.Get(name); ok {
			row[i] = v
		} else {
			row[i] = ""
		}
	}
	return row
}

// ReadHeader returns the committed header of a sheet, or nil when the workbook or
// the sheet does not exist yet or the sheet is still blank.
func ReadHeader(workbookPath, sheetName string) (models.Header, error) {
	if _, err := os.Stat(workbookPath); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	f, err := excelize.OpenFile(workbookPath)
	if err != nil {
		return nil, &WorkbookError{Operation: "open", Path: workbookPath, Cause: err}
	}
	defer f.Close()
	if idx, err := f.GetSheetIndex(sheetName); err != nil || idx < 0 {
		return nil, nil
	}
	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, &SheetError{Operation: "read", SheetName: sheetName, Cause: err}
	}
	header, _, err := loadHeader(f, sheetName, rows)
	return header, err
}

func (a *SheetAppender) lockPath(workbookPath string) string {
	abs, err := filepath.Abs(workbookPath)
	if err != nil {
		abs = workbookPath
	}
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(a.lockDir, "cert2xlsx-"+hex.EncodeToString(sum[:8])+".lock")
}

func openOrCreateWorkbook(path string) (*excelize.File, bool, error) {
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, false, &WorkbookError{Operation: "open", Path: path, Cause: err}
		}
		return excelize.NewFile(), true, nil
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, false, &WorkbookError{
			Operation: "open",
			Path:      path,
			Cause:     fmt.Errorf("failed to open workbook: %w", err),
		}
	}
	return f, false, nil
}

// ensureSheet selects or creates the sheet. A fresh workbook has its default sheet
// renamed so no stray empty sheet is left behind.
func ensureSheet(f *excelize.File, sheetName string, created bool) error {
	if created {
		if err := f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
			return &SheetError{Operation: "create", SheetName: sheetName, Cause: err}
		}
		return nil
	}
	idx, err := f.GetSheetIndex(sheetName)
	if err != nil {
		return &SheetError{Operation: "select", SheetName: sheetName, Cause: err}
	}
	if idx >= 0 {
		return nil
	}
	if _, err := f.NewSheet(sheetName); err != nil {
		return &SheetError{Operation: "create", SheetName: sheetName, Cause: err}
	}
	return nil
}

// loadHeader treats the visible first row as authoritative. The stored copy is
// used only while the sheet is blank. The boolean reports whether the stored copy
// matches the returned header.
func loadHeader(f *excelize.File, sheetName string, rows [][]string) (models.Header, bool, error) {
	stored, err := storedHeader(f, sheetName)
	if err != nil {
		return nil, false, err
	}
	if blankSheet(rows) {
		return stored, stored.Committed(), nil
	}
	visible := models.Header(rows[0])
	return visible, slices.Equal(stored, visible), nil
}

func storedHeader(f *excelize.File, sheetName string) (models.Header, error) {
	idx, err := f.GetSheetIndex(headersSheet)
	if err != nil || idx < 0 {
		return nil, nil
	}
	metaRows, err := f.GetRows(headersSheet)
	if err != nil {
		return nil, &SheetError{Operation: "read", SheetName: headersSheet, Cause: err}
	}
	for _, row := range metaRows {
		if len(row) > 1 && row[0] == sheetName {
			return models.Header(row[1:]), nil
		}
	}
	return nil, nil
}

func storeHeader(f *excelize.File, sheetName string, header models.Header) error {
	idx, err := f.GetSheetIndex(headersSheet)
	if err != nil || idx < 0 {
		if _, err := f.NewSheet(headersSheet); err != nil {
			return &SheetError{Operation: "create", SheetName: headersSheet, Cause: err}
		}
		if err := f.SetSheetVisible(headersSheet, false); err != nil {
			return &SheetError{Operation: "hide", SheetName: headersSheet, Cause: err}
		}
	}
	metaRows, err := f.GetRows(headersSheet)
	if err != nil {
		return &SheetError{Operation: "read", SheetName: headersSheet, Cause: err}
	}
	target, width := len(metaRows)+1, 0
	for i, row := range metaRows {
		if len(row) > 0 && row[0] == sheetName {
			target, width = i+1, len(row)
			break
		}
	}
	cells := append([]any{sheetName}, headerCells(header)...)
	// Blank out the tail of a longer entry being replaced.
	for len(cells) < width {
		cells = append(cells, "")
	}
	return setRow(f, headersSheet, target, cells)
}

func setRow(f *excelize.File, sheetName string, row int, cells []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return &SheetError{Operation: "write", SheetName: sheetName, Cause: err}
	}
	if err := f.SetSheetRow(sheetName, cell, &cells); err != nil {
		return &SheetError{Operation: "write", SheetName: sheetName, Cause: fmt.Errorf("row %d: %w", row, err)}
	}
	return nil
}

func headerCells(header models.Header) []any {
	cells := make([]any, len(header))
	for i, h := range header {
		cells[i] = h
	}
	return cells
}

// blankSheet reports whether a sheet has no rows or only blank cells.
func blankSheet(rows [][]string) bool {
	for _, row := range rows {
		for _, cell := range row {
			if strings.TrimSpace(cell) != "" {
				return false
			}
		}
	}
	return true
}

func droppedFields(record models.Record, header models.Header) []string {
	var dropped []string
	for _, name := range record.Names() {
		found := false
		for _, h := range header {
			if h == name {
				found = true
				break
			}
		}
		if !found {
			dropped = append(dropped, name)
		}
	}
	return dropped
}
