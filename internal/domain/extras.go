package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// splitExtras returns the members of a JSON object that are not in known.
func splitExtras(data []byte, known []string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, key := range known {
		delete(all, key)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// mergeExtras adds extra members to an encoded JSON object. Typed fields win on
// key clashes.
func mergeExtras(encoded []byte, extra map[string]json.RawMessage) ([]byte, error) {
	if len(extra) == 0 {
		return encoded, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &merged); err != nil {
		return nil, err
	}
	for key, value := range extra {
		if _, clash := merged[key]; !clash {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// decodeLoose reads a JSON string, number or boolean as text. Spreadsheet columns
// reach us as whichever type pandas inferred.
func decodeLoose(data []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}

	switch typed := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(typed), nil
	case json.Number:
		return typed.String(), nil
	case bool:
		return strconv.FormatBool(typed), nil
	default:
		return "", fmt.Errorf("unsupported JSON value %s", string(data))
	}
}

// LooseString is a string field that tolerates numeric JSON values.
type LooseString string

func (s *LooseString) UnmarshalJSON(data []byte) error {
	text, err := decodeLoose(data)
	if err != nil {
		return err
	}
	*s = LooseString(text)
	return nil
}

func rawFloat(raw json.RawMessage) (float64, bool) {
	text, err := decodeLoose(raw)
	if err != nil || text == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(text, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
