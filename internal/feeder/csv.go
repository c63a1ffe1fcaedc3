package feeder

import (
	"encoding/csv"
	"fmt"
	"io"
)

// NewCSV reads a dataset whose first row names the fields.
func NewCSV(r io.Reader) (*Feeder, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read CSV: %w", err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("CSV file must have at least one header row and one data row")
	}

	header := rows[0]
	records := make([]map[string]string, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if len(row) != len(header) {
			return nil, fmt.Errorf("row %d has %d fields, expected %d", i+2, len(row), len(header))
		}
		rec := make(map[string]string, len(header))
		for j, name := range header {
			rec[name] = row[j]
		}
		records = append(records, rec)
	}
	return newFeeder(records)
}
