package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// StringArray is stored as a JSON array in a text column.
type StringArray []string

// Scan implements the sql.Scanner interface
func (s *StringArray) Scan(value interface{}) error {
	if value == nil {
		*s = StringArray{}
		return nil
	}

	var raw string
	switch v := value.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into StringArray", value)
	}

	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "{}" || raw == "null" {
		*s = StringArray{}
		return nil
	}

	var arr []string
	if err := json.Unmarshal([]byte(raw), &arr); err == nil {
		*s = arr
		return nil
	}

	// Rows written as a PostgreSQL array literal: {value1,value2}
	parts := strings.Split(strings.Trim(raw, "{}"), ",")
	result := make([]string, len(parts))
	for i, part := range parts {
		result[i] = strings.Trim(strings.TrimSpace(part), "\"")
	}
	*s = result
	return nil
}

// Value implements the driver.Valuer interface
func (s StringArray) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// JSONMap is a free-form JSON object stored in a text column.
type JSONMap map[string]interface{}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", value)
	}

	if len(raw) == 0 {
		*m = JSONMap{}
		return nil
	}

	result := JSONMap{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("failed to decode JSONMap: %w", err)
	}
	*m = result
	return nil
}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]interface{}(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
