package models

import "time"

// PageOutcome is the result of processing one page image. It is either a
// PageSuccess or a PageFailure.
type PageOutcome interface {
	PageIndex() int
	isPageOutcome()
}

// PageSuccess means the page was recognized and its records, if any, were appended.
type PageSuccess struct {
	Page        int
	RecordCount int
}

// PageFailure means the page could not be turned into rows. PreservedImage is the
// copy of the page image left beside the workbook, empty if the copy failed too.
type PageFailure struct {
	Page           int
	PreservedImage string
	Cause          error
}

func (s PageSuccess) PageIndex() int { return s.Page }
func (f PageFailure) PageIndex() int { return f.Page }

func (PageSuccess) isPageOutcome() {}
func (PageFailure) isPageOutcome() {}

// RunResult is the outcome of one pipeline run over a PDF.
type RunResult struct {
	RunID           string
	PDFPath         string
	WorkbookPath    string
	SheetName       string
	Pages           int
	Failures        int
	Outcomes        []PageOutcome
	PreservedImages []string
	Duplicate       bool
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Add records a page outcome and updates the failure bookkeeping.
func (r *RunResult) Add(o PageOutcome) {
	r.Outcomes = append(r.Outcomes, o)
	if f, ok := o.(PageFailure); ok {
		r.Failures++
		if f.PreservedImage != "" {
			r.PreservedImages = append(r.PreservedImages, f.PreservedImage)
		}
	}
}

// RecordCount returns the number of rows appended during the run.
func (r *RunResult) RecordCount() int {
	n := 0
	for _, o := range r.Outcomes {
		if s, ok := o.(PageSuccess); ok {
			n += s.RecordCount
		}
	}
	return n
}
