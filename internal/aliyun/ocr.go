// Package aliyun calls the Alibaba Cloud OCR service to read tax clearance
// certificates.
package aliyun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	openapi "github.com/alibabacloud-go/darabonba-openapi/v2/client"
	ocr "github.com/alibabacloud-go/ocr-api-20210707/v3/client"
	util "github.com/alibabacloud-go/tea-utils/v2/service"
	"github.com/alibabacloud-go/tea/tea"
)

// DefaultEndpoint is the OCR API endpoint of the cn-hangzhou region.
const DefaultEndpoint = "ocr-api.cn-hangzhou.aliyuncs.com"

// Config holds the credentials and transport settings of the OCR client.
type Config struct {
	AccessKeyID     string
	AccessKeySecret string
	Endpoint        string
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
}

// Client recognizes certificate images with RecognizeTaxClearanceCertificate.
type Client struct {
	api     *ocr.Client
	runtime *util.RuntimeOptions
}

// NewClient creates an OCR client. No request is made until Recognize is called.
func NewClient(cfg Config) (*Client, error) {
	if cfg.AccessKeyID == "" || cfg.AccessKeySecret == "" {
		return nil, errors.New("aliyun: access key and secret must be provided")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	api, err := ocr.NewClient(&openapi.Config{
		AccessKeyId:     tea.String(cfg.AccessKeyID),
		AccessKeySecret: tea.String(cfg.AccessKeySecret),
		Endpoint:        tea.String(endpoint),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create aliyun OCR client: %w", err)
	}

	runtime := &util.RuntimeOptions{}
	if cfg.ConnectTimeout > 0 {
		runtime.ConnectTimeout = tea.Int(int(cfg.ConnectTimeout.Milliseconds()))
	}
	if cfg.ReadTimeout > 0 {
		runtime.ReadTimeout = tea.Int(int(cfg.ReadTimeout.Milliseconds()))
	}
	return &Client{api: api, runtime: runtime}, nil
}

// Recognize sends the image bytes and returns the JSON document in the response's
// Data field.
func (c *Client) Recognize(ctx context.Context, image []byte) ([]byte, error) {
	// The SDK takes no context; cancellation is honored before the request only.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := &ocr.RecognizeTaxClearanceCertificateRequest{Body: bytes.NewReader(image)}
	resp, err := c.api.RecognizeTaxClearanceCertificateWithOptions(req, c.runtime)
	if err != nil {
		var sdkErr *tea.SDKError
		if errors.As(err, &sdkErr) {
			return nil, fmt.Errorf("RecognizeTaxClearanceCertificate: %s: %s", tea.StringValue(sdkErr.Code), tea.StringValue(sdkErr.Message))
		}
		return nil, fmt.Errorf("RecognizeTaxClearanceCertificate: %w", err)
	}
	if resp == nil || resp.Body == nil || resp.Body.Data == nil {
		return nil, errors.New("RecognizeTaxClearanceCertificate: response has no data")
	}
	return []byte(tea.StringValue(resp.Body.Data)), nil
}
