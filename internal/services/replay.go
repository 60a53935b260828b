package services

import (
	"context"
	"fmt"
	"os"
)

// Replay appends the records of a saved OCR response to the workbook that pdfPath
// maps to, without calling the OCR service. The PDF itself is not read. It returns
// the number of rows appended.
func Replay(ctx context.Context, appender Appender, responsePath, pdfPath string) (int, error) {
	raw, err := os.ReadFile(responsePath)
	if err != nil {
		return 0, fmt.Errorf("failed to read saved response: %w", err)
	}
	records, err := ExtractFromBody(raw)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	if err := appender.Append(ctx, WorkbookPathFor(pdfPath), SheetNameFor(pdfPath), records); err != nil {
		return 0, err
	}
	return len(records), nil
}
