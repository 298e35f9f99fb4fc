package executor

import (
	jsoniter "github.com/json-iterator/go"
)

// OrderedMapItem is a key-value pair for an item in an OrderedMap.
type OrderedMapItem struct {
	Key   string
	Value interface{}
}

// OrderedMap represents a map that maintains the order of its key-value pairs. It's more or
// less just a list that serializes to a JSON map.
type OrderedMap struct {
	items []OrderedMapItem
}

// NewOrderedMapWithLength creates a new ordered map with n elements pre-allocated and
// zero-initialized. Pre-allocating the items allows values to be filled in out of order
// without disturbing the serialization order.
func NewOrderedMapWithLength(n int) *OrderedMap {
	return &OrderedMap{
		items: make([]OrderedMapItem, n),
	}
}

// Set writes a key-value pair to the map at the given index.
func (m *OrderedMap) Set(index int, key string, value interface{}) {
	m.items[index] = OrderedMapItem{
		Key:   key,
		Value: value,
	}
}

// SetValue overwrites the value at the given index, keeping its key.
func (m *OrderedMap) SetValue(index int, value interface{}) {
	m.items[index].Value = value
}

// Len returns the length of the map.
func (m *OrderedMap) Len() int {
	return len(m.items)
}

// Items provides the items in the map, in the order they were added.
func (m *OrderedMap) Items() []OrderedMapItem {
	return m.items
}

var jsonConfig = jsoniter.ConfigCompatibleWithStandardLibrary

func (m *OrderedMap) MarshalJSON() ([]byte, error) {
	stream := jsonConfig.BorrowStream(nil)
	defer jsonConfig.ReturnStream(stream)
	stream.WriteObjectStart()
	for i, kv := range m.items {
		if i != 0 {
			stream.WriteMore()
		}
		stream.WriteObjectField(kv.Key)
		stream.WriteVal(kv.Value)
	}
	stream.WriteObjectEnd()
	if stream.Error != nil {
		return nil, stream.Error
	}
	return append([]byte(nil), stream.Buffer()...), nil
}
