package aliyun

import (
	"context"
	"testing"
	"time"

	"github.com/alibabacloud-go/tea/tea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(Config{AccessKeyID: "key"})
	assert.Error(t, err)
	_, err = NewClient(Config{AccessKeySecret: "secret"})
	assert.Error(t, err)
}

func TestNewClientRuntimeOptions(t *testing.T) {
	c, err := NewClient(Config{
		AccessKeyID:     "key",
		AccessKeySecret: "secret",
		ConnectTimeout:  5 * time.Second,
		ReadTimeout:     30 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 5000, tea.IntValue(c.runtime.ConnectTimeout))
	assert.Equal(t, 30000, tea.IntValue(c.runtime.ReadTimeout))
}

func TestRecognizeHonorsCancelledContext(t *testing.T) {
	c, err := NewClient(Config{AccessKeyID: "key", AccessKeySecret: "secret"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Recognize(ctx, []byte("jpeg"))
	assert.ErrorIs(t, err, context.Canceled)
}
