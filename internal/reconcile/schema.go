package reconcile

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed record.schema.json
var recordSchema string

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("record.schema.json", recordSchema)
})

// Validate checks a record against the published response schema and the
// item count invariant
func Validate(record ExtractionRecord) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("unmarshal record: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("record does not match schema: %w", err)
	}

	items := 0
	for _, p := range record.Pages {
		items += len(p.Items)
	}
	if items != record.TotalItemCount {
		return fmt.Errorf("total_item_count is %d but pages hold %d items", record.TotalItemCount, items)
	}
	return nil
}
