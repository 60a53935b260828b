package services

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/L-maple/ocr/internal/config"
	"github.com/L-maple/ocr/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingRunner holds every run open until release is closed.
type blockingRunner struct {
	started chan string
	release chan struct{}
	err     error
}

func (b *blockingRunner) run(ctx context.Context, runID, pdfPath string, _ config.Credentials) (*models.RunResult, error) {
	b.started <- runID
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if b.err != nil {
		return nil, b.err
	}
	return &models.RunResult{RunID: runID, PDFPath: pdfPath}, nil
}

type recordingSaver struct {
	saved []config.Credentials
}

func (s *recordingSaver) Save(creds config.Credentials) error {
	s.saved = append(s.saved, creds)
	return nil
}

func newTestCoordinator(r runner, opts ...CoordinatorOption) *Coordinator {
	c := NewCoordinator(nil, opts...)
	c.pipeline = r
	c.logger = quietLogger()
	return c
}

func TestCoordinatorRejectsConcurrentRun(t *testing.T) {
	r := &blockingRunner{started: make(chan string, 1), release: make(chan struct{})}
	saver := &recordingSaver{}
	c := newTestCoordinator(r, WithCredentialSaver(saver))
	assert.Equal(t, Idle, c.State().State)

	type startResult struct {
		result *models.RunResult
		err    error
	}
	done := make(chan startResult, 1)
	go func() {
		res, err := c.Start(context.Background(), "a.pdf", testCreds)
		done <- startResult{res, err}
	}()
	runID := <-r.started

	status := c.State()
	assert.Equal(t, Running, status.State)
	require.NotNil(t, status.Current)
	assert.Equal(t, runID, status.Current.ID)
	assert.Equal(t, "a.pdf", status.Current.PDFPath)

	_, err := c.Start(context.Background(), "b.pdf", testCreds)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(r.release)
	first := <-done
	require.NoError(t, first.err)
	assert.Equal(t, runID, first.result.RunID)
	assert.Equal(t, Idle, c.State().State)
	assert.Equal(t, []config.Credentials{testCreds}, saver.saved)
}

func TestCoordinatorFatalRunDoesNotSaveCredentials(t *testing.T) {
	runErr := errors.New("failed to remove temp dir")
	r := &blockingRunner{started: make(chan string, 1), release: make(chan struct{}), err: runErr}
	close(r.release)
	saver := &recordingSaver{}
	c := newTestCoordinator(r, WithCredentialSaver(saver))

	_, err := c.Start(context.Background(), "a.pdf", testCreds)
	assert.ErrorIs(t, err, runErr)
	assert.Empty(t, saver.saved)
	assert.Equal(t, Idle, c.State().State)
}

func TestCoordinatorAppLock(t *testing.T) {
	lock := filepath.Join(t.TempDir(), "app.lock")
	r := &blockingRunner{started: make(chan string, 1), release: make(chan struct{})}
	first := newTestCoordinator(r, WithAppLock(lock))
	second := newTestCoordinator(&blockingRunner{started: make(chan string, 1), release: make(chan struct{})}, WithAppLock(lock))

	done := make(chan error, 1)
	go func() {
		_, err := first.Start(context.Background(), "a.pdf", testCreds)
		done <- err
	}()
	<-r.started

	_, err := second.Start(context.Background(), "b.pdf", testCreds)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(r.release)
	require.NoError(t, <-done)

	r2 := &blockingRunner{started: make(chan string, 1), release: make(chan struct{})}
	close(r2.release)
	second.pipeline = r2
	_, err = second.Start(context.Background(), "b.pdf", testCreds)
	assert.NoError(t, err)
}

func TestRunStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "RunState(7)", RunState(7).String())
}
