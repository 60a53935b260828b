package models

import "encoding/json"

// DetailsKey is the key-value entry holding the serialized tax payment lines.
const DetailsKey = "taxClearanceDetails"

// KeyValueInfoField is the JSON name of the key-value list.
const KeyValueInfoField = "prism_keyValueInfo"

// These structs mirror the JSON body returned by the tax clearance certificate OCR endpoint.

// CertificateResponse is the structured OCR result for one certificate page.
// KeyValueInfo is nil when the list is absent or null, which is not the same as an
// empty list.
type CertificateResponse struct {
	Data         *CertificateHeader `json:"data"`
	KeyValueInfo *[]KeyValue        `json:"prism_keyValueInfo"`
}

// CertificateHeader holds the document level fields of a certificate.
type CertificateHeader struct {
	CertificateNumber any `json:"certificateNumber"`
	TotalAmount       any `json:"totalAmount"`
}

// KeyValue is one entry of the OCR key-value list. Value is kept raw because the
// details entry carries a JSON document encoded as a string.
type KeyValue struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// LineItemEntry is one tax payment line of a certificate.
type LineItemEntry struct {
	VoucherNumber any `json:"voucherNumber"`
	TaxType       any `json:"taxType"`
	ItemName      any `json:"itemName"`
	Date          any `json:"date"`
	Amount        any `json:"amount"`
}

// DetailsValue returns the raw value of the details entry. The boolean is false when
// the list carries no details entry, which is a normal, empty certificate page.
func (r *CertificateResponse) DetailsValue() (json.RawMessage, bool) {
	if r.KeyValueInfo == nil {
		return nil, false
	}
	for _, kv := range *r.KeyValueInfo {
		if kv.Key == DetailsKey {
			return kv.Value, true
		}
	}
	return nil, false
}
