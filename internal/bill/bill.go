package bill

import (
	"time"

	"github.com/zombor/bill-extractor/internal/fraud"
	"github.com/zombor/bill-extractor/internal/reconcile"
	"github.com/zombor/bill-extractor/internal/scanning"
)

// Extraction is one processed bill document with its reconciled line items
type Extraction struct {
	ID          string                     `json:"id"`
	Source      string                     `json:"source,omitempty"` // URL the document was downloaded from
	Filename    string                     `json:"filename"`
	ContentType string                     `json:"content_type"`
	PageCount   int                        `json:"page_count"`
	Fraud       []fraud.PageReport         `json:"fraud_flags"` // one per page, in page order
	TokenUsage  scanning.TokenUsage        `json:"token_usage"`
	ScanError   string                     `json:"scan_error,omitempty"` // set when the model call failed and the record is empty
	Data        reconcile.ExtractionRecord `json:"data"`
	CreatedAt   time.Time                  `json:"created_at"`
}

// Response is the envelope returned by the extraction endpoint
type Response struct {
	IsSuccess  bool                       `json:"is_success"`
	TokenUsage scanning.TokenUsage        `json:"token_usage"`
	Data       reconcile.ExtractionRecord `json:"data"`
}

// Response builds the endpoint envelope for an extraction
func (e *Extraction) Response() Response {
	return Response{
		IsSuccess:  true,
		TokenUsage: e.TokenUsage,
		Data:       e.Data,
	}
}
