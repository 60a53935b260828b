package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/L-maple/ocr/internal/gcp"
	"github.com/L-maple/ocr/internal/models"
)

// Ledger keeps a record of processed PDFs, keyed by content hash.
type Ledger interface {
	Seen(ctx context.Context, fileHash string) (bool, string, error)
	Begin(ctx context.Context, doc models.Document) (string, error)
	Finish(ctx context.Context, id string, update LedgerUpdate) error
}

// LedgerUpdate is the final state of a run written back to its ledger entry.
type LedgerUpdate struct {
	Status       string
	PageCount    int
	FailureCount int
	ErrorDetails string
}

// FirestoreLedger stores ledger entries as documents of one Firestore collection.
type FirestoreLedger struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreLedger connects to Firestore in projectID.
func NewFirestoreLedger(ctx context.Context, projectID, collection string) (*FirestoreLedger, error) {
	client, err := gcp.NewFirestoreClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if collection == "" {
		collection = "certificateRuns"
	}
	return &FirestoreLedger{client: client, collection: collection}, nil
}

func (l *FirestoreLedger) Seen(ctx context.Context, fileHash string) (bool, string, error) {
	docs, err := l.client.Collection(l.collection).Where("fileHash", "==", fileHash).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return false, "", fmt.Errorf("failed to query for duplicates: %w", err)
	}
	if len(docs) > 0 {
		return true, docs[0].Ref.ID, nil
	}
	return false, "", nil
}

func (l *FirestoreLedger) Begin(ctx context.Context, doc models.Document) (string, error) {
	docRef, _, err := l.client.Collection(l.collection).Add(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("failed to create ledger document: %w", err)
	}
	return docRef.ID, nil
}

func (l *FirestoreLedger) Finish(ctx context.Context, id string, update LedgerUpdate) error {
	updates := []firestore.Update{
		{Path: "status", Value: update.Status},
		{Path: "pageCount", Value: update.PageCount},
		{Path: "failureCount", Value: update.FailureCount},
	}
	if update.ErrorDetails != "" {
		updates = append(updates, firestore.Update{Path: "errorDetails", Value: update.ErrorDetails})
	}
	if _, err := l.client.Collection(l.collection).Doc(id).Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to update ledger document %s: %w", id, err)
	}
	return nil
}

func (l *FirestoreLedger) Close() error {
	return l.client.Close()
}

func calculateFileHash(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
