package reconcile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// Page types a bill page may be classified as
const (
	PageTypeBillDetail = "Bill Detail"
	PageTypeFinalBill  = "Final Bill"
	PageTypePharmacy   = "Pharmacy"
)

var pageTypes = []string{PageTypeBillDetail, PageTypeFinalBill, PageTypePharmacy}

// BillItem is one validated line item
type BillItem struct {
	Name     string  `json:"item_name"`
	Amount   float64 `json:"item_amount"` // net amount post discounts
	Rate     float64 `json:"item_rate"`
	Quantity float64 `json:"item_quantity"`
}

// PageRecord groups the items found on one page
type PageRecord struct {
	PageNumber string     `json:"page_no"`
	PageType   string     `json:"page_type"`
	Items      []BillItem `json:"bill_items"`
}

// ExtractionRecord is the reconciled result for a whole document
type ExtractionRecord struct {
	Pages          []PageRecord `json:"pagewise_line_items"`
	TotalItemCount int          `json:"total_item_count"`
}

// Reconcile turns an untrusted extraction payload into a typed record. It
// never fails: items that can't be normalized are dropped and not counted,
// and a payload without pages yields an empty record.
func Reconcile(payload map[string]any) ExtractionRecord {
	record := ExtractionRecord{Pages: []PageRecord{}}

	rawPages, _ := payload["pagewise_line_items"].([]any)
	for i, rawPage := range rawPages {
		page, ok := rawPage.(map[string]any)
		if !ok {
			slog.Warn("Skipping malformed page", "index", i, "type", fmt.Sprintf("%T", rawPage))
			continue
		}

		pr := PageRecord{
			PageNumber: pageNumber(page),
			PageType:   pageType(page["page_type"]),
			Items:      []BillItem{},
		}

		rawItems, _ := page["bill_items"].([]any)
		for j, rawItem := range rawItems {
			item, err := normalizeItem(rawItem)
			if err != nil {
				slog.Warn("Dropping bill item", "page", pr.PageNumber, "index", j, "error", err)
				continue
			}
			pr.Items = append(pr.Items, item)
			record.TotalItemCount++
		}

		record.Pages = append(record.Pages, pr)
	}

	return record
}

// Payload re-wraps a record in the shape Reconcile accepts
func (r ExtractionRecord) Payload() map[string]any {
	pages := make([]any, 0, len(r.Pages))
	for _, p := range r.Pages {
		items := make([]any, 0, len(p.Items))
		for _, it := range p.Items {
			items = append(items, map[string]any{
				"item_name":     it.Name,
				"item_amount":   it.Amount,
				"item_rate":     it.Rate,
				"item_quantity": it.Quantity,
			})
		}
		pages = append(pages, map[string]any{
			"page_no":    p.PageNumber,
			"page_type":  p.PageType,
			"bill_items": items,
		})
	}
	return map[string]any{"pagewise_line_items": pages}
}

func pageNumber(page map[string]any) string {
	v, ok := page["page_no"]
	if !ok || v == nil {
		return "1"
	}
	if n, ok := v.(json.Number); ok {
		return n.String()
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "1"
	}
	return s
}

func pageType(v any) string {
	s, _ := v.(string)
	if slices.Contains(pageTypes, s) {
		return s
	}
	return PageTypeBillDetail
}

func normalizeItem(raw any) (BillItem, error) {
	item, ok := raw.(map[string]any)
	if !ok {
		return BillItem{}, fmt.Errorf("item is %T, not an object", raw)
	}

	name := "Unknown"
	if v, ok := item["item_name"]; ok && v != nil {
		s, err := cast.ToStringE(v)
		if err != nil {
			return BillItem{}, fmt.Errorf("item_name: %w", err)
		}
		name = s
	}

	quantity := 1.0
	if v, ok := item["item_quantity"]; ok {
		q, err := toAmount(v)
		if err != nil {
			return BillItem{}, fmt.Errorf("item_quantity: %w", err)
		}
		quantity = q
	}

	rate, err := toAmount(item["item_rate"])
	if err != nil {
		return BillItem{}, fmt.Errorf("item_rate: %w", err)
	}

	amount, err := toAmount(item["item_amount"])
	if err != nil {
		return BillItem{}, fmt.Errorf("item_amount: %w", err)
	}

	// upstream often gives the unit rate but leaves the line total out
	if amount == 0 && rate > 0 {
		amount = rate * quantity
	}

	return BillItem{
		Name:     name,
		Amount:   amount,
		Rate:     rate,
		Quantity: quantity,
	}, nil
}

// toAmount coerces a loosely typed numeric field. Numbers pass through,
// strings lose thousands separators and the rupee sign, and anything else
// counts as zero.
func toAmount(v any) (float64, error) {
	var f float64
	switch t := v.(type) {
	case string:
		s := strings.NewReplacer(",", "", "₹", "").Replace(t)
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing %q: %w", t, err)
		}
		f = parsed
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("parsing %q: %w", t, err)
		}
		f = parsed
	case nil:
		return 0, nil
	default:
		n, err := cast.ToFloat64E(t)
		if err != nil {
			return 0, nil
		}
		f = n
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite value %v", f)
	}
	// Refunds and discounts printed as negative lines are dropped, not kept:
	// line items carry non-negative amounts only.
	if f < 0 {
		return 0, fmt.Errorf("negative value %v", f)
	}
	return f, nil
}
