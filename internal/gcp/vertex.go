package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

// --- Certificate Model Prompts ---
const CertificateSystemPrompt = "You are a document parser for Chinese tax clearance certificates (税收完税证明). You read a scanned certificate and return its content as JSON. Accuracy is of utmost importance."
const CertificateUserPrompt = `You will be provided with the scanned image of one tax clearance certificate page.

Return a single JSON object with exactly these keys:
- "certificateNumber": the certificate number (号码) as a string.
- "totalAmount": the total amount (合计金额) as written on the certificate.
- "details": an array with one object per tax payment line, each with the keys
  "voucherNumber" (原凭证号), "taxType" (税种), "itemName" (品目名称),
  "date" (入库时间) and "amount" (实缴金额).

If the page has no payment lines, return an empty "details" array. Do not include any text before or after the JSON object.`

// DefaultCertificateModel is the Gemini model used when none is configured.
const DefaultCertificateModel = "gemini-1.5-pro"

// VertexClient reads certificates with a Gemini model and returns bodies in the
// same shape the OCR service produces.
type VertexClient struct {
	CertificateModel *genai.GenerativeModel
	baseClient       *genai.Client
}

// NewVertexClient creates a new client holding the certificate model.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = DefaultCertificateModel
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	certificateModel := baseClient.GenerativeModel(modelName)
	certificateModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(CertificateSystemPrompt)},
	}
	certificateModel.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	return &VertexClient{
		CertificateModel: certificateModel,
		baseClient:       baseClient,
	}, nil
}

// geminiCertificate is the flat JSON the model is asked for.
type geminiCertificate struct {
	CertificateNumber any               `json:"certificateNumber"`
	TotalAmount       any               `json:"totalAmount"`
	Details           []json.RawMessage `json:"details"`
}

// Recognize sends one JPEG page to Gemini and re-shapes the answer into the OCR
// service body layout, with the details list serialized into a string.
func (c *VertexClient) Recognize(ctx context.Context, image []byte) ([]byte, error) {
	resp, err := c.CertificateModel.GenerateContent(ctx, genai.ImageData("jpeg", image), genai.Text(CertificateUserPrompt))
	if err != nil {
		return nil, fmt.Errorf("failed to generate content from gemini: %w", err)
	}
	text := extractJSONContent(resp)
	if text == "" {
		return nil, errors.New("gemini returned an empty response instead of JSON")
	}

	return certificateBody(text)
}

// certificateBody converts the model's flat JSON into the OCR body layout.
func certificateBody(text string) ([]byte, error) {
	var cert geminiCertificate
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	if err := dec.Decode(&cert); err != nil {
		return nil, fmt.Errorf("failed to parse JSON from model: %w", err)
	}
	if cert.Details == nil {
		cert.Details = []json.RawMessage{}
	}
	details, err := json.Marshal(cert.Details)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"data": map[string]any{
			"certificateNumber": cert.CertificateNumber,
			"totalAmount":       cert.TotalAmount,
		},
		"prism_keyValueInfo": []map[string]any{
			{"key": "taxClearanceDetails", "value": string(details)},
		},
	}
	return json.Marshal(body)
}

// extractJSONContent robustly gets the raw text content from the model response.
func extractJSONContent(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	// The model is configured to return JSON, so we expect a single text part.
	if txt, ok := resp.Candidates[0].Content.Parts[0].(genai.Text); ok {
		// Clean potential markdown fences just in case
		cleanJSON := strings.TrimSpace(string(txt))
		cleanJSON = strings.TrimPrefix(cleanJSON, "```json")
		cleanJSON = strings.TrimSuffix(cleanJSON, "```")
		return strings.TrimSpace(cleanJSON)
	}
	return ""
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
