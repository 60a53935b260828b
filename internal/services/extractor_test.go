package services

import (
	"encoding/json"
	"testing"

	"github.com/L-maple/ocr/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// certificateBody builds an OCR body whose details entry holds details serialized
// into a string.
func certificateBody(t *testing.T, certNumber, total any, details any) []byte {
	t.Helper()
	encoded, err := json.Marshal(details)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"data": map[string]any{"certificateNumber": certNumber, "totalAmount": total},
		"prism_keyValueInfo": []map[string]any{
			{"key": "otherKey", "value": "ignored"},
			{"key": models.DetailsKey, "value": string(encoded)},
		},
	})
	require.NoError(t, err)
	return body
}

func line(voucher, taxType, item, date string, amount any) map[string]any {
	return map[string]any{
		"voucherNumber": voucher,
		"taxType":       taxType,
		"itemName":      item,
		"date":          date,
		"amount":        amount,
	}
}

func TestExtractFromBody(t *testing.T) {
	body := certificateBody(t, "C1", 100, []map[string]any{
		line("V1", "增值税", "销售货物", "2023-01-05", 60.5),
		line("V2", "城市维护建设税", "市区", "2023-01-05", 39.5),
	})

	records, err := ExtractFromBody(body)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, []string{
		models.ColumnCertificateNumber,
		models.ColumnVoucherNumber,
		models.ColumnTaxType,
		models.ColumnItemName,
		models.ColumnPaymentDate,
		models.ColumnPaidAmount,
		models.ColumnTotalAmount,
	}, records[0].Names())

	v, _ := records[0].Get(models.ColumnCertificateNumber)
	assert.Equal(t, "C1", v)
	v, _ = records[1].Get(models.ColumnVoucherNumber)
	assert.Equal(t, "V2", v)
	v, _ = records[0].Get(models.ColumnPaidAmount)
	assert.Equal(t, 60.5, v)
	v, _ = records[1].Get(models.ColumnTotalAmount)
	assert.Equal(t, int64(100), v)
}

func TestExtractFromBodyEmptyCases(t *testing.T) {
	t.Run("empty details list", func(t *testing.T) {
		records, err := ExtractFromBody(certificateBody(t, "C1", 0, []map[string]any{}))
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("no details entry", func(t *testing.T) {
		records, err := ExtractFromBody([]byte(`{"data":{"certificateNumber":"C1"},"prism_keyValueInfo":[{"key":"x","value":"y"}]}`))
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("empty key-value list", func(t *testing.T) {
		records, err := ExtractFromBody([]byte(`{"data":{"certificateNumber":"C1"},"prism_keyValueInfo":[]}`))
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestExtractFromBodyDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{name: "not json", body: `not json`, field: "body"},
		{name: "trailing data", body: `{"data":{}} {}`, field: "body"},
		{name: "missing data", body: `{"prism_keyValueInfo":[]}`, field: "data"},
		{name: "missing key-value list", body: `{"data":{"certificateNumber":"C1"}}`, field: models.KeyValueInfoField},
		{name: "null key-value list", body: `{"data":{"certificateNumber":"C1"},"prism_keyValueInfo":null}`, field: models.KeyValueInfoField},
		{name: "details not a string", body: `{"data":{},"prism_keyValueInfo":[{"key":"taxClearanceDetails","value":[1,2]}]}`, field: models.DetailsKey},
		{name: "details string is not json", body: `{"data":{},"prism_keyValueInfo":[{"key":"taxClearanceDetails","value":"oops"}]}`, field: models.DetailsKey},
		{name: "details string is not a list", body: `{"data":{},"prism_keyValueInfo":[{"key":"taxClearanceDetails","value":"{\"a\":1}"}]}`, field: models.DetailsKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := ExtractFromBody([]byte(tt.body))
			require.Error(t, err)
			assert.Nil(t, records)

			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr)
			assert.Equal(t, tt.field, decodeErr.Field)
		})
	}
}

func TestExtractRecordsNilResponse(t *testing.T) {
	_, err := ExtractRecords(nil)
	var decodeErr *DecodeError
	assert.ErrorAs(t, err, &decodeErr)

	_, err = ExtractRecords(&models.CertificateResponse{Data: &models.CertificateHeader{}})
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, models.KeyValueInfoField, decodeErr.Field)
}

func TestExtractRecordsMissingLineFields(t *testing.T) {
	body := certificateBody(t, nil, "12.00", []map[string]any{{"voucherNumber": "V9"}})

	records, err := ExtractFromBody(body)
	require.NoError(t, err)
	require.Len(t, records, 1)

	v, _ := records[0].Get(models.ColumnCertificateNumber)
	assert.Equal(t, "", v)
	v, _ = records[0].Get(models.ColumnTaxType)
	assert.Equal(t, "", v)
	v, _ = records[0].Get(models.ColumnTotalAmount)
	assert.Equal(t, "12.00", v)
}

func TestScalar(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{name: "nil", in: nil, want: ""},
		{name: "string", in: "abc", want: "abc"},
		{name: "bool", in: true, want: true},
		{name: "integer", in: json.Number("42"), want: int64(42)},
		{name: "decimal", in: json.Number("3.25"), want: 3.25},
		{name: "negative integer", in: json.Number("-7"), want: int64(-7)},
		{name: "fifteen digits", in: json.Number("123456789012345"), want: int64(123456789012345)},
		{name: "sixteen digit identifier", in: json.Number("1234567890123456"), want: "1234567890123456"},
		{name: "long identifier", in: json.Number("123456789012345678901234"), want: "123456789012345678901234"},
		{name: "object", in: map[string]any{"a": "b"}, want: `{"a":"b"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scalar(tt.in))
		})
	}
}
