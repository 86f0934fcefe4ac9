package scanning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zombor/bill-extractor/internal/fraud"
	"github.com/zombor/bill-extractor/internal/pipeline"
)

// BillPrompt is the shared prompt used by all providers for itemizing bills
const BillPrompt = `You are an expert medical data auditor. Extract strictly individual line items from the attached bill pages. The images are given in page order.

### 1. PAGE CLASSIFICATION RULES:
Classify page_type for every page:
- "Pharmacy" for pages listing drugs, batch numbers and expiry dates.
- "Bill Detail" for daily hospital charges.
- "Final Bill" for summary pages.

### 2. EXTRACTION RULES:
- Extract every chargeable line item.
- Ignore SubTotal or Total-type rows.
- Repeat items individually if repeated.
- Qty missing -> 1, Rate missing -> Item Amount.
- item_name must be exactly as mentioned in the bill.
- item_amount is the net amount post discounts.

Return ONLY valid JSON in this exact format:
{
  "pagewise_line_items": [
    {
      "page_no": "1",
      "page_type": "Bill Detail",
      "bill_items": [
        {"item_name": "Name", "item_amount": 0.00, "item_rate": 0.00, "item_quantity": 1}
      ]
    }
  ]
}

Important:
- Amounts must be numbers (not strings)
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

type pageAdvisory struct {
	PageNo int              `json:"page_no"`
	Fraud  fraud.PageReport `json:"fraud_flags"`
}

// withFraudAdvisory appends the per-page tampering report to a prompt so the
// model can take it into account. Clean pages are omitted.
func withFraudAdvisory(prompt string, pages []pipeline.ProcessedPage) string {
	var flagged []pageAdvisory
	for i, p := range pages {
		if p.Fraud.RiskLevel == fraud.RiskLow || p.Fraud.RiskLevel == "" {
			continue
		}
		flagged = append(flagged, pageAdvisory{PageNo: i + 1, Fraud: p.Fraud})
	}
	if len(flagged) == 0 {
		return prompt
	}

	b, err := json.Marshal(flagged)
	if err != nil {
		return prompt
	}

	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n\n### 3. ADVISORY:\n")
	sb.WriteString("Automated checks flagged possible physical tampering on these pages. ")
	sb.WriteString("Read their amounts with extra care; do not skip their items.\n")
	fmt.Fprintf(&sb, "%s", b)
	return sb.String()
}
