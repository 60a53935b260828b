package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/L-maple/ocr/internal/models"
)

// DecodeError reports an OCR body that does not follow the certificate schema.
type DecodeError struct {
	Field string
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode certificate %s: %v", e.Field, e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// DecodeCertificate parses a raw OCR body into a CertificateResponse.
func DecodeCertificate(raw []byte) (*models.CertificateResponse, error) {
	var resp models.CertificateResponse
	if err := decodeStrict(raw, &resp); err != nil {
		return nil, &DecodeError{Field: "body", Cause: err}
	}
	if err := checkSections(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExtractRecords turns the line items of a certificate into flat records. A key-value
// list without a details entry yields no records and no error.
func ExtractRecords(resp *models.CertificateResponse) ([]models.Record, error) {
	if resp == nil {
		return nil, &DecodeError{Field: "data", Cause: errors.New("missing data section")}
	}
	if err := checkSections(resp); err != nil {
		return nil, err
	}
	raw, ok := resp.DetailsValue()
	if !ok {
		return nil, nil
	}

	// The details value is a JSON document serialized into a string.
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, &DecodeError{Field: models.DetailsKey, Cause: fmt.Errorf("value is not a string: %w", err)}
	}
	var entries []models.LineItemEntry
	if err := decodeStrict([]byte(encoded), &entries); err != nil {
		return nil, &DecodeError{Field: models.DetailsKey, Cause: err}
	}

	certNumber := scalar(resp.Data.CertificateNumber)
	total := scalar(resp.Data.TotalAmount)
	records := make([]models.Record, 0, len(entries))
	for _, e := range entries {
		records = append(records, models.Record{
			{Name: models.ColumnCertificateNumber, Value: certNumber},
			{Name: models.ColumnVoucherNumber, Value: scalar(e.VoucherNumber)},
			{Name: models.ColumnTaxType, Value: scalar(e.TaxType)},
			{Name: models.ColumnItemName, Value: scalar(e.ItemName)},
			{Name: models.ColumnPaymentDate, Value: scalar(e.Date)},
			{Name: models.ColumnPaidAmount, Value: scalar(e.Amount)},
			{Name: models.ColumnTotalAmount, Value: total},
		})
	}
	return records, nil
}

// ExtractFromBody decodes a raw OCR body and extracts its records.
func ExtractFromBody(raw []byte) ([]models.Record, error) {
	resp, err := DecodeCertificate(raw)
	if err != nil {
		return nil, err
	}
	return ExtractRecords(resp)
}

func checkSections(resp *models.CertificateResponse) error {
	if resp.Data == nil {
		return &DecodeError{Field: "data", Cause: errors.New("missing data section")}
	}
	if resp.KeyValueInfo == nil {
		return &DecodeError{Field: models.KeyValueInfoField, Cause: errors.New("missing key-value list")}
	}
	return nil
}

func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}

// maxNumericDigits is the longest integer a spreadsheet cell stores exactly.
const maxNumericDigits = 15

// scalar normalizes a decoded JSON value into something a spreadsheet cell can hold.
func scalar(v any) any {
	switch val := v.(type) {
	case nil:
		return ""
	case json.Number:
		s := val.String()
		if strings.ContainsAny(s, ".eE") {
			if f, err := val.Float64(); err == nil {
				return f
			}
			return s
		}
		// Excel keeps 15 significant digits, so longer integers such as
		// certificate numbers stay text to keep every digit.
		if len(strings.TrimLeft(s, "-")) > maxNumericDigits {
			return s
		}
		if i, err := val.Int64(); err == nil {
			return i
		}
		return s
	case string, bool:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
