package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
)

// ResultSet maps provider keys to their results. It is stored as a single
// Postgres jsonb column so individual keys can be patched with jsonb_set.
type ResultSet map[string]ProviderResult

// Keys returns the provider keys in sorted order.
func (rs ResultSet) Keys() []string {
	keys := make([]string, 0, len(rs))
	for k := range rs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (rs ResultSet) Value() (driver.Value, error) {
	if rs == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(rs)
}

func (rs *ResultSet) Scan(value any) error {
	b, err := jsonbBytes(value)
	if err != nil {
		return fmt.Errorf("ResultSet: %w", err)
	}
	*rs = ResultSet{}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, rs)
}

func (s GenerationSettings) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *GenerationSettings) Scan(value any) error {
	b, err := jsonbBytes(value)
	if err != nil {
		return fmt.Errorf("GenerationSettings: %w", err)
	}
	*s = GenerationSettings{}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, s)
}

// jsonbBytes normalizes what database drivers hand back for jsonb columns.
func jsonbBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("expected []byte, got %T", value)
	}
}
