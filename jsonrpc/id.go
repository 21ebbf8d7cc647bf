package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ID identifies a request and its eventual response or error.
// Ids minted locally are strings. Peers are free to use numbers, in which case the
// literal is kept and echoed back unchanged.
type ID struct {
	value  string
	number bool
}

func StringID(s string) ID {
	return ID{value: s}
}

func (id ID) String() string {
	return id.value
}

func (id ID) IsNumber() bool {
	return id.number
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.number {
		return []byte(id.value), nil
	}
	return json.Marshal(id.value)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty id")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID{value: s}
		return nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*id = ID{value: n.String(), number: true}
		return nil
	default:
		return fmt.Errorf("id must be a string or a number, got %s", data)
	}
}
