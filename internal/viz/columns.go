package viz

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

type columnClass int

const (
	classCategorical columnClass = iota
	classNumeric
	classTime
)

type column struct {
	Name  string
	Class columnClass
	// IDLike columns are numeric keys; they are only used as a measure when
	// nothing else is numeric.
	IDLike bool
	// Temporal is set when the values themselves parse as dates, as opposed
	// to a column that is only named like one.
	Temporal bool
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006-01",
}

var timeNamed = regexp.MustCompile(`(^|_)(date|week|month|year|quarter|period)(_|$)|_at$`)

func isNumber(v any) bool {
	switch val := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	case json.Number:
		_, err := val.Float64()
		return err == nil
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	}
	return 0, false
}

func isTimeValue(v any) bool {
	switch val := v.(type) {
	case time.Time:
		return true
	case string:
		s := strings.TrimSpace(val)
		for _, layout := range timeLayouts {
			if _, err := time.Parse(layout, s); err == nil {
				return true
			}
		}
	}
	return false
}

// classify inspects every non-null value of each column.
func classify(columns []string, rows []map[string]any) []column {
	out := make([]column, len(columns))
	for i, name := range columns {
		numeric, timeLike, seen := true, true, 0
		for _, row := range rows {
			v, ok := row[name]
			if !ok || v == nil {
				continue
			}
			seen++
			if !isNumber(v) {
				numeric = false
			}
			if !isTimeValue(v) {
				timeLike = false
			}
		}
		lower := strings.ToLower(name)
		c := column{Name: name, Class: classCategorical}
		switch {
		case seen == 0:
		case timeLike:
			c.Class = classTime
			c.Temporal = true
		case timeNamed.MatchString(lower):
			c.Class = classTime
		case numeric:
			c.Class = classNumeric
			c.IDLike = lower == "id" || strings.HasSuffix(lower, "_id")
		}
		out[i] = c
	}
	return out
}
