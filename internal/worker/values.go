package worker

import "fmt"

// namedRow zips the positional binlog row image with its column names,
// normalising driver-level values on the way.
func namedRow(cols []string, row []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for i, v := range row {
		name := positionalName(cols, i)
		out[name] = normalizeValue(v)
	}
	return out
}

func positionalName(cols []string, i int) string {
	if i < len(cols) {
		return cols[i]
	}
	// Metadata is behind the binlog (column added mid-stream); keep a stable
	// synthetic name instead of dropping the value.
	return fmt.Sprintf("col_%d", i+1)
}

// normalizeValue converts byte slices to strings; everything else, including
// decimal.Decimal from UseDecimal and time.Time from ParseTime, passes
// through and parameterises cleanly.
func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
