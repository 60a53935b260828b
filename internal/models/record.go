package models

// Column names written to the workbook, in the order they appear on first write.
const (
	ColumnCertificateNumber = "号码"
	ColumnVoucherNumber     = "原凭证号"
	ColumnTaxType           = "税种"
	ColumnItemName          = "品目名称"
	ColumnPaymentDate       = "入库时间"
	ColumnPaidAmount        = "实缴金额"
	ColumnTotalAmount       = "合计金额"
)

// Field is a named scalar value of a Record.
type Field struct {
	Name  string
	Value any
}

// Record is a flat, ordered set of fields written as one spreadsheet row.
type Record []Field

// Get returns the value of the named field.
func (r Record) Get(name string) (any, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Names returns the field names in insertion order.
func (r Record) Names() []string {
	names := make([]string, len(r))
	for i, f := range r {
		names[i] = f.Name
	}
	return names
}

// Header is the ordered column list of a sheet. A nil Header means the sheet has
// never been written; once committed it does not change.
type Header []string

// Committed reports whether the header has been written to its sheet.
func (h Header) Committed() bool {
	return len(h) > 0
}
