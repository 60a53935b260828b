package models

import "time"

// Ledger statuses for a certificate run.
const (
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusPartial    = "PARTIAL"
	StatusFailed     = "FAILED"
)

// Document represents the ledger record for one certificate PDF run in Firestore.
// It tracks the overall status and metadata of the file.
type Document struct {
	FileHash         string    `firestore:"fileHash,omitempty"`
	OriginalFilename string    `firestore:"originalFilename,omitempty"`
	Status           string    `firestore:"status,omitempty"`
	ErrorDetails     string    `firestore:"errorDetails,omitempty"`
	PageCount        int       `firestore:"pageCount,omitempty"`
	FailureCount     int       `firestore:"failureCount"`
	WorkbookPath     string    `firestore:"workbookPath,omitempty"`
	SheetName        string    `firestore:"sheetName,omitempty"`
	RunID            string    `firestore:"runId,omitempty"` // For traceability
	CreatedAt        time.Time `firestore:"createdAt,omitempty"`
}
