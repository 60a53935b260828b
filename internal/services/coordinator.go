package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/L-maple/ocr/internal/config"
	"github.com/L-maple/ocr/internal/models"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// ErrRunInProgress is returned when a run is requested while another is active.
var ErrRunInProgress = errors.New("a run is already in progress")

// RunState is the state of the coordinator.
type RunState int

const (
	Idle RunState = iota
	Running
)

func (s RunState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("RunState(%d)", int(s))
	}
}

// RunHandle identifies the active run.
type RunHandle struct {
	ID        string
	PDFPath   string
	StartedAt time.Time
}

// Status is a snapshot of the coordinator.
type Status struct {
	State   RunState
	Current *RunHandle
}

// CredentialSaver persists the credentials of a completed run.
type CredentialSaver interface {
	Save(creds config.Credentials) error
}

type runner interface {
	run(ctx context.Context, runID, pdfPath string, creds config.Credentials) (*models.RunResult, error)
}

// Coordinator allows at most one pipeline run at a time. A second request is
// rejected, not queued.
type Coordinator struct {
	mu          sync.Mutex
	current     *RunHandle
	pipeline    runner
	credentials CredentialSaver
	lockPath    string
	logger      *slog.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithAppLock extends the one-run rule to every process using the same lock file.
func WithAppLock(path string) CoordinatorOption {
	return func(c *Coordinator) { c.lockPath = path }
}

// WithCredentialSaver stores the credentials after every run that completes.
func WithCredentialSaver(s CredentialSaver) CoordinatorOption {
	return func(c *Coordinator) { c.credentials = s }
}

// NewCoordinator creates a Coordinator driving pipeline.
func NewCoordinator(pipeline *Pipeline, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{pipeline: pipeline, logger: slog.Default()}
	if pipeline != nil {
		c.logger = pipeline.logger
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start runs the pipeline over pdfPath unless a run is already active.
func (c *Coordinator) Start(ctx context.Context, pdfPath string, creds config.Credentials) (*models.RunResult, error) {
	handle, release, err := c.acquire(pdfPath)
	if err != nil {
		return nil, err
	}
	defer release()

	result, err := c.pipeline.run(ctx, handle.ID, pdfPath, creds)
	if err != nil {
		return nil, err
	}
	if c.credentials != nil {
		if err := c.credentials.Save(creds); err != nil {
			c.logger.Warn("Failed to save credentials.", "error", err)
		}
	}
	return result, nil
}

// State returns a snapshot of the coordinator.
func (c *Coordinator) State() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Status{State: Idle}
	}
	handle := *c.current
	return Status{State: Running, Current: &handle}
}

func (c *Coordinator) acquire(pdfPath string) (*RunHandle, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return nil, nil, ErrRunInProgress
	}

	var appLock *flock.Flock
	if c.lockPath != "" {
		appLock = flock.New(c.lockPath)
		locked, err := appLock.TryLock()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to acquire application lock: %w", err)
		}
		if !locked {
			return nil, nil, ErrRunInProgress
		}
	}

	handle := &RunHandle{ID: uuid.NewString(), PDFPath: pdfPath, StartedAt: time.Now()}
	c.current = handle
	release := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.current = nil
		if appLock != nil {
			if err := appLock.Unlock(); err != nil {
				c.logger.Warn("Failed to release application lock.", "error", err)
			}
		}
	}
	return handle, release, nil
}
