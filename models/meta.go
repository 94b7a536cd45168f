package models

import (
	"database/sql/driver"
	"errors"
	"strings"
)

type ResponseHTTP struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

// SerializableColours is a custom DB extension type that stores
// a string slice as a comma separate value in the database
// Example input: []string{"#020304", "#6581be"}
// Example DB value: #020304,#6581be
type SerializableColours []string

func (s SerializableColours) Value() (driver.Value, error) {
	return strings.Join(s, ","), nil
}

func (s *SerializableColours) Scan(src interface{}) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	case nil:
		raw = ""
	default:
		return errors.New("incompatible type for SerializableColours")
	}
	if raw == "" {
		*s = SerializableColours{}
		return nil
	}
	*s = SerializableColours(strings.Split(raw, ","))
	return nil
}
