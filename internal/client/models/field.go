package models

import (
	"errors"
	"strings"
)

// Field is one decoded text value. A field that could not be decrypted is
// marked Unavailable and keeps its original cipher string, so it is never
// confused with an intentionally empty value and can be sent back unchanged.
type Field struct {
	Value       string `json:"value,omitempty"`
	Unavailable bool   `json:"unavailable,omitempty"`
	Cipher      string `json:"cipher,omitempty"`
}

// Text returns an available field holding v.
func Text(v string) Field {
	return Field{Value: v}
}

// UnavailableField marks a value whose ciphertext could not be decoded.
func UnavailableField(cipher string) Field {
	return Field{Unavailable: true, Cipher: cipher}
}

func (f Field) String() string {
	if f.Unavailable {
		return "<unavailable>"
	}
	return f.Value
}

// IsEmpty reports an available field with no value.
func (f Field) IsEmpty() bool {
	return !f.Unavailable && f.Value == ""
}

// CustomFieldType mirrors the remote custom field kinds.
type CustomFieldType int

const (
	CustomFieldText CustomFieldType = iota
	CustomFieldHidden
	CustomFieldBoolean
	CustomFieldLinked
)

// CustomField is a user defined name/value pair attached to a record.
type CustomField struct {
	Name     Field           `json:"name"`
	Value    Field           `json:"value"`
	Type     CustomFieldType `json:"type"`
	LinkedID *int            `json:"linked_id,omitempty"`
}

var ErrIncorrectCustomField = errors.New("custom field must be name=value")

// CustomFieldsFromStrings parses "name=value" items entered on the command
// line into text fields.
func CustomFieldsFromStrings(items []string) ([]CustomField, error) {
	fields := make([]CustomField, len(items))
	for n, item := range items {
		name, value, ok := strings.Cut(item, "=")
		if !ok || name == "" || strings.Contains(value, "=") {
			return nil, ErrIncorrectCustomField
		}
		fields[n] = CustomField{Name: Text(name), Value: Text(value), Type: CustomFieldText}
	}
	return fields, nil
}
