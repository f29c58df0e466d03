package importer

import (
	"fmt"
	"strings"
)

// Line-entry cells (order items, coupons, fees, taxes, shipping) pack
// multiple entries into one CSV cell with a two-level delimiter grammar:
// entries are ';'-separated, an entry's fields are '|'-separated 'key:value'
// pairs. There is no escaping; values must not contain the delimiters. The
// same grammar is produced on export so files round-trip.

const (
	itemSeparator  = ";"
	fieldSeparator = "|"
	pairSeparator  = ":"
)

// DecodeItems parses a micro-format cell into one map per entry. An empty
// cell yields nil. A field without a ':' is malformed and fails the whole
// cell, since silently dropping it would corrupt the entry.
func DecodeItems(cell string) ([]map[string]string, error) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return nil, nil
	}

	var items []map[string]string
	for _, rawItem := range strings.Split(cell, itemSeparator) {
		rawItem = strings.TrimSpace(rawItem)
		if rawItem == "" {
			continue
		}
		item := make(map[string]string)
		for _, pair := range strings.Split(rawItem, fieldSeparator) {
			key, value, ok := strings.Cut(pair, pairSeparator)
			if !ok {
				return nil, fmt.Errorf("malformed item field %q: expected key:value", pair)
			}
			if strings.Contains(value, pairSeparator) {
				return nil, fmt.Errorf("item value %q for %q contains a reserved delimiter", value, key)
			}
			item[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
		items = append(items, item)
	}
	return items, nil
}

// EncodeItems renders entries back into the micro-format. Keys are written in
// the given order for each entry; keys absent from an entry are skipped.
// Values containing any delimiter are rejected rather than silently encoded,
// because the format has no escaping and a later decode would split them.
func EncodeItems(items []map[string]string, keyOrder []string) (string, error) {
	var entries []string
	for _, item := range items {
		var fields []string
		for _, key := range keyOrder {
			value, ok := item[key]
			if !ok {
				continue
			}
			if err := checkValue(key, value); err != nil {
				return "", err
			}
			fields = append(fields, key+pairSeparator+value)
		}
		if len(fields) > 0 {
			entries = append(entries, strings.Join(fields, fieldSeparator))
		}
	}
	return strings.Join(entries, itemSeparator), nil
}

// checkValue rejects keys and values that would collide with the delimiter
// grammar. Values may not contain ';', '|', or ':'.
func checkValue(key, value string) error {
	if strings.ContainsAny(key, itemSeparator+fieldSeparator+pairSeparator) {
		return fmt.Errorf("item key %q contains a reserved delimiter", key)
	}
	if strings.ContainsAny(value, itemSeparator+fieldSeparator+pairSeparator) {
		return fmt.Errorf("item value %q for %q contains a reserved delimiter", value, key)
	}
	return nil
}
