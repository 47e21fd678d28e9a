package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// statementDoc is the object form of a JSON statement. A bare top-level
// array is treated as the transactions list.
type statementDoc struct {
	Transactions []json.RawMessage `json:"transactions"`
	Total        json.RawMessage   `json:"total"`
	TotalAmount  json.RawMessage   `json:"total_amount"`
	Timezone     string            `json:"timezone"`
	PeriodStart  string            `json:"period_start"`
	PeriodEnd    string            `json:"period_end"`
}

func decodeJSON(raw []byte, diag *Diagnostics) (*sourceRows, error) {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf")))
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("decodeJSON: %w: empty document", ErrUndecodable)
	}

	var doc statementDoc
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &doc.Transactions); err != nil {
			return nil, fmt.Errorf("decodeJSON: %w: %v", ErrUndecodable, err)
		}
	case '{':
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("decodeJSON: %w: %v", ErrUndecodable, err)
		}
	default:
		return nil, fmt.Errorf("decodeJSON: %w: expected an object or array", ErrUndecodable)
	}

	src := &sourceRows{
		timezone:    doc.Timezone,
		periodStart: doc.PeriodStart,
		periodEnd:   doc.PeriodEnd,
	}
	for _, t := range []json.RawMessage{doc.Total, doc.TotalAmount} {
		if s, ok := scalarString(t); ok && s != "" {
			src.declaredTotal = s
			break
		}
	}

	for i, item := range doc.Transactions {
		dec := json.NewDecoder(bytes.NewReader(item))
		dec.UseNumber()
		var obj map[string]interface{}
		if err := dec.Decode(&obj); err != nil || obj == nil {
			diag.skip(i+1, "entry is not an object")
			continue
		}

		row := rawRow{line: i + 1, ordinal: i}
		var err error
		// A full timestamp wins over a separate date so the day is always
		// derived from the instant in the statement's zone.
		if row.date, err = getStringField(obj, "timestamp", "date"); err != nil {
			diag.skip(i+1, errMissingDate.Error())
			continue
		}
		if d, _ := getStringField(obj, "date"); d != row.date {
			row.altDate = d
		}
		if row.amount, err = getNumberField(obj, "amount", "fare", "charge"); err != nil {
			diag.skip(i+1, err.Error())
			continue
		}
		row.time, _ = getStringField(obj, "time")
		row.journeyType, _ = getStringField(obj, "journey_type", "journeyType", "mode", "type")
		row.description, _ = getStringField(obj, "description", "journey")
		row.zones = getZonesField(obj)
		row.peak = getPeakField(obj)
		src.rows = append(src.rows, row)
	}
	return src, nil
}

// getStringField returns the first present key as a string. Numbers are
// rendered in their source form.
func getStringField(m map[string]interface{}, keys ...string) (string, error) {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			return strings.TrimSpace(val), nil
		case json.Number:
			return val.String(), nil
		default:
			return "", fmt.Errorf("field %q has type %T, want string", key, v)
		}
	}
	return "", fmt.Errorf("missing field %q", keys[0])
}

// getNumberField accepts a JSON number or a numeric string.
func getNumberField(m map[string]interface{}, keys ...string) (string, error) {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case json.Number:
			return val.String(), nil
		case string:
			if strings.TrimSpace(val) == "" {
				continue
			}
			return val, nil
		default:
			return "", fmt.Errorf("field %q has type %T, want number", key, v)
		}
	}
	return "", errMissingAmount
}

// getZonesField reads "1-3", [1, 3] or {"from": 1, "to": 3}.
func getZonesField(m map[string]interface{}) string {
	for _, key := range []string{"zone_range", "zoneRange", "zones"} {
		switch v := m[key].(type) {
		case string:
			return v
		case json.Number:
			return v.String()
		case []interface{}:
			parts := make([]string, 0, 2)
			for _, p := range v {
				if n, ok := p.(json.Number); ok {
					parts = append(parts, n.String())
				}
			}
			return strings.Join(parts, "-")
		case map[string]interface{}:
			from, _ := v["from"].(json.Number)
			to, _ := v["to"].(json.Number)
			if from == "" {
				return to.String()
			}
			if to == "" {
				return from.String()
			}
			return from.String() + "-" + to.String()
		}
	}
	return ""
}

func getPeakField(m map[string]interface{}) string {
	for _, key := range []string{"peak", "is_peak", "isPeak"} {
		switch v := m[key].(type) {
		case bool:
			if v {
				return "peak"
			}
			return "off-peak"
		case string:
			return v
		}
	}
	return ""
}

func scalarString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return "", false
	}
	switch val := v.(type) {
	case json.Number:
		return val.String(), true
	case string:
		return val, true
	}
	return "", false
}
