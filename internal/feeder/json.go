package feeder

import (
	"encoding/json"
	"fmt"
	"io"
)

// NewJSON reads a dataset holding a JSON array of objects. Numbers keep
// their literal form.
func NewJSON(r io.Reader) (*Feeder, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}

	records := make([]map[string]string, 0, len(raw))
	for _, obj := range raw {
		rec := make(map[string]string, len(obj))
		for k, v := range obj {
			rec[k] = fmt.Sprintf("%v", v)
		}
		records = append(records, rec)
	}
	return newFeeder(records)
}
