// Copyright 2024-2026 Immanuel Fodor
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package payloadfmt decodes webhook bodies into an ordered key/value
// document and renders them as raw, JSON or YAML message bodies.
package payloadfmt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// ErrNotMapping is returned when a JSON body is valid but its top level
// is not an object.
var ErrNotMapping = errors.New("payload is not a key/value mapping")

// Field is a single key/value pair in a Payload.
type Field struct {
	Key   string
	Value any
}

// Payload is an insertion-ordered key/value document decoded from a
// webhook body. Values are nil, bool, string, json.Number, []any or a
// nested *Payload.
type Payload struct {
	fields []Field
	index  map[string]int
}

// NewPayload returns an empty payload.
func NewPayload() *Payload {
	return &Payload{index: make(map[string]int)}
}

// Set adds a field or replaces the value of an existing one. A replaced
// key keeps its original position.
func (p *Payload) Set(key string, value any) {
	if p.index == nil {
		p.index = make(map[string]int)
	}
	if i, ok := p.index[key]; ok {
		p.fields[i].Value = value
		return
	}
	p.index[key] = len(p.fields)
	p.fields = append(p.fields, Field{Key: key, Value: value})
}

// Get returns the value for a key.
func (p *Payload) Get(key string) (any, bool) {
	i, ok := p.index[key]
	if !ok {
		return nil, false
	}
	return p.fields[i].Value, true
}

// Len returns the number of fields.
func (p *Payload) Len() int {
	return len(p.fields)
}

// Fields returns the fields in insertion order. The returned slice must
// not be modified.
func (p *Payload) Fields() []Field {
	return p.fields
}

// ParseJSON decodes an application/json body. The top level must be an
// object; key order is preserved and numbers stay exact (json.Number).
func ParseJSON(r io.Reader) (*Payload, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, ErrNotMapping
	}
	p, err := decodeObject(dec)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON body")
	}
	return p, nil
}

func decodeObject(dec *json.Decoder) (*Payload, error) {
	p := NewPayload()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected object key %v", keyTok)
		}
		value, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		p.Set(key, value)
	}
	// Consume the closing brace.
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeArray(dec *json.Decoder) ([]any, error) {
	arr := []any{}
	for dec.More() {
		value, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		arr = append(arr, value)
	}
	// Consume the closing bracket.
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return arr, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); ok {
		switch delim {
		case '{':
			return decodeObject(dec)
		case '[':
			return decodeArray(dec)
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", delim.String())
		}
	}
	// nil, bool, string or json.Number.
	return tok, nil
}

// ParseForm decodes an application/x-www-form-urlencoded body, keeping
// the original field order. A duplicate key keeps its first position
// and takes the last value.
func ParseForm(body string) (*Payload, error) {
	p := NewPayload()
	for _, pair := range strings.Split(body, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return nil, fmt.Errorf("invalid form key %q: %w", rawKey, err)
		}
		if key == "" {
			continue
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return nil, fmt.Errorf("invalid form value for %q: %w", key, err)
		}
		p.Set(key, value)
	}
	return p, nil
}
