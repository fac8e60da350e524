package domain

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Attribute documents are stored as one JSON object per instance. Binary
// values are wrapped as {"__type__":"bytes","data":<base64>} and nested
// sequences live under the reserved "__sequences__" key. This layout is the
// persisted contract; changing it breaks previously written rows.
const (
	sequencesKey = "__sequences__"
	typeKey      = "__type__"
	bytesMarker  = "bytes"
	bytesDataKey = "data"
)

// MarshalItem serializes an item's attributes and sequences to the stored
// JSON document.
func MarshalItem(it *Item) ([]byte, error) {
	b, err := json.Marshal(encodeItem(it))
	if err != nil {
		return nil, fmt.Errorf("marshal attributes: %w", err)
	}
	return b, nil
}

// UnmarshalItem populates an item from a stored JSON document. Numbers are
// decoded as json.Number.
func UnmarshalItem(data []byte, into *Item) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("unmarshal attributes: %w", err)
	}
	decodeItem(doc, into)
	return nil
}

func encodeItem(it *Item) map[string]any {
	doc := make(map[string]any, len(it.Attributes)+1)
	for k, v := range it.Attributes {
		doc[k] = encodeValue(v)
	}
	if len(it.Sequences) > 0 {
		seqs := make(map[string]any, len(it.Sequences))
		for tag, items := range it.Sequences {
			arr := make([]any, 0, len(items))
			for _, child := range items {
				arr = append(arr, encodeItem(child))
			}
			seqs[tag] = arr
		}
		doc[sequencesKey] = seqs
	}
	return doc
}

func encodeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return map[string]any{
			typeKey:      bytesMarker,
			bytesDataKey: base64.StdEncoding.EncodeToString(b),
		}
	}
	return v
}

func decodeItem(doc map[string]any, into *Item) {
	rawSeqs, _ := doc[sequencesKey].(map[string]any)
	delete(doc, sequencesKey)
	if into.Attributes == nil {
		into.Attributes = Attributes{}
	}
	for k, v := range doc {
		into.Attributes[k] = decodeValue(v)
	}
	for tag, raw := range rawSeqs {
		arr, ok := raw.([]any)
		if !ok {
			continue
		}
		for _, el := range arr {
			m, ok := el.(map[string]any)
			if !ok {
				continue
			}
			child := NewItem()
			decodeItem(m, child)
			into.AddSequenceItem(tag, child)
		}
	}
}

func decodeValue(v any) any {
	m, ok := v.(map[string]any)
	if !ok || m[typeKey] != bytesMarker {
		return v
	}
	s, ok := m[bytesDataKey].(string)
	if !ok {
		return v
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return v
	}
	return b
}
