// Copyright 2024-2026 Immanuel Fodor
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package payloadfmt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// Mode selects how a payload is rendered into a message body.
type Mode string

const (
	ModeRaw  Mode = "raw"
	ModeJSON Mode = "json"
	ModeYAML Mode = "yaml"
)

// ParseMode validates a mode name from configuration.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRaw, ModeJSON, ModeYAML:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown message format %q", s)
	}
}

// Options controls payload rendering. When AllowUnicode is false, the
// json and yaml modes escape every codepoint above ASCII as \uXXXX
// sequences; raw mode is always verbatim.
type Options struct {
	Mode         Mode
	AllowUnicode bool
}

// Format renders the payload as a message body string.
func Format(p *Payload, opts Options) (string, error) {
	switch opts.Mode {
	case ModeRaw:
		return formatRaw(p)
	case ModeJSON:
		buf, err := appendJSONValue(nil, p, 0, opts.AllowUnicode)
		if err != nil {
			return "", err
		}
		return string(buf), nil
	case ModeYAML:
		return formatYAML(p, opts.AllowUnicode)
	default:
		return "", fmt.Errorf("unknown message format %q", opts.Mode)
	}
}

// formatRaw emits a single scalar field verbatim. Anything else becomes
// one key=value line per field in payload order, with composite values
// rendered as compact JSON.
func formatRaw(p *Payload) (string, error) {
	if p.Len() == 1 {
		s, scalar, err := scalarString(p.fields[0].Value)
		if err != nil {
			return "", err
		}
		if scalar {
			return s, nil
		}
	}
	var b strings.Builder
	for i, f := range p.Fields() {
		if i > 0 {
			b.WriteByte('\n')
		}
		s, scalar, err := scalarString(f.Value)
		if err != nil {
			return "", err
		}
		if !scalar {
			buf, err := appendJSONValue(nil, f.Value, -1, true)
			if err != nil {
				return "", err
			}
			s = string(buf)
		}
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(s)
	}
	return b.String(), nil
}

// scalarString renders scalar values as bare literals. The second
// return is false for composite values.
func scalarString(v any) (string, bool, error) {
	switch t := v.(type) {
	case nil:
		return "null", true, nil
	case bool:
		if t {
			return "true", true, nil
		}
		return "false", true, nil
	case string:
		return t, true, nil
	case json.Number:
		return t.String(), true, nil
	case []any, *Payload:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("unsupported payload value of type %T", v)
	}
}

const jsonIndent = "  "

// appendJSONValue appends the JSON rendering of v. A negative level
// selects compact output, otherwise objects and arrays are expanded
// with two-space indentation at the given depth.
func appendJSONValue(buf []byte, v any, level int, allowUnicode bool) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if t {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case json.Number:
		return append(buf, t.String()...), nil
	case string:
		return appendJSONString(buf, t, allowUnicode), nil
	case []any:
		return appendJSONArray(buf, t, level, allowUnicode)
	case *Payload:
		return appendJSONObject(buf, t, level, allowUnicode)
	default:
		return nil, fmt.Errorf("unsupported payload value of type %T", v)
	}
}

func appendJSONObject(buf []byte, p *Payload, level int, allowUnicode bool) ([]byte, error) {
	if p.Len() == 0 {
		return append(buf, "{}"...), nil
	}
	compact := level < 0
	next := level + 1
	if compact {
		next = -1
	}
	buf = append(buf, '{')
	for i, f := range p.Fields() {
		if i > 0 {
			buf = append(buf, ',')
		}
		if !compact {
			buf = appendNewlineIndent(buf, level+1)
		}
		buf = appendJSONString(buf, f.Key, allowUnicode)
		buf = append(buf, ':')
		if !compact {
			buf = append(buf, ' ')
		}
		var err error
		buf, err = appendJSONValue(buf, f.Value, next, allowUnicode)
		if err != nil {
			return nil, err
		}
	}
	if !compact {
		buf = appendNewlineIndent(buf, level)
	}
	return append(buf, '}'), nil
}

func appendJSONArray(buf []byte, arr []any, level int, allowUnicode bool) ([]byte, error) {
	if len(arr) == 0 {
		return append(buf, "[]"...), nil
	}
	compact := level < 0
	next := level + 1
	if compact {
		next = -1
	}
	buf = append(buf, '[')
	for i, v := range arr {
		if i > 0 {
			buf = append(buf, ',')
		}
		if !compact {
			buf = appendNewlineIndent(buf, level+1)
		}
		var err error
		buf, err = appendJSONValue(buf, v, next, allowUnicode)
		if err != nil {
			return nil, err
		}
	}
	if !compact {
		buf = appendNewlineIndent(buf, level)
	}
	return append(buf, ']'), nil
}

func appendNewlineIndent(buf []byte, level int) []byte {
	buf = append(buf, '\n')
	for range level {
		buf = append(buf, jsonIndent...)
	}
	return buf
}

func appendJSONString(buf []byte, s string, allowUnicode bool) []byte {
	buf = append(buf, '"')
	for _, r := range s {
		switch r {
		case '"':
			buf = append(buf, '\\', '"')
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\t':
			buf = append(buf, '\\', 't')
		case '\b':
			buf = append(buf, '\\', 'b')
		case '\f':
			buf = append(buf, '\\', 'f')
		default:
			switch {
			case r < 0x20:
				buf = fmt.Appendf(buf, `\u%04x`, r)
			case r > 0x7e && !allowUnicode:
				buf = appendEscapedRune(buf, r)
			default:
				buf = utf8.AppendRune(buf, r)
			}
		}
	}
	return append(buf, '"')
}

// appendEscapedRune writes a \uXXXX escape, splitting codepoints above
// the BMP into a UTF-16 surrogate pair like JSON requires.
func appendEscapedRune(buf []byte, r rune) []byte {
	if r > 0xffff {
		r1, r2 := utf16.EncodeRune(r)
		return fmt.Appendf(buf, `\u%04x\u%04x`, r1, r2)
	}
	return fmt.Appendf(buf, `\u%04x`, r)
}

func formatYAML(p *Payload, allowUnicode bool) (string, error) {
	root, err := yamlNode(p, allowUnicode)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return "", fmt.Errorf("failed to encode YAML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to encode YAML: %w", err)
	}
	out := buf.String()
	if !allowUnicode {
		out = escapeYAMLUnicode(out)
	}
	return out, nil
}

// yamlNode converts a payload value into a yaml.Node tree. When the
// unicode policy forbids raw codepoints above ASCII, non-ASCII strings
// are forced into double-quoted style so the escaping pass below stays
// inside quoted scalars.
func yamlNode(v any, allowUnicode bool) (*yaml.Node, error) {
	switch t := v.(type) {
	case nil:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}, nil
	case bool:
		value := "false"
		if t {
			value = "true"
		}
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: value}, nil
	case json.Number:
		tag := "!!int"
		if strings.ContainsAny(t.String(), ".eE") {
			tag = "!!float"
		}
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: t.String()}, nil
	case string:
		n := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: t}
		if !allowUnicode && !isASCII(t) {
			n.Style = yaml.DoubleQuotedStyle
		}
		return n, nil
	case []any:
		n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range t {
			child, err := yamlNode(item, allowUnicode)
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content, child)
		}
		return n, nil
	case *Payload:
		n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, f := range t.Fields() {
			key, err := yamlNode(f.Key, allowUnicode)
			if err != nil {
				return nil, err
			}
			value, err := yamlNode(f.Value, allowUnicode)
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content, key, value)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unsupported payload value of type %T", v)
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7e {
			return false
		}
	}
	return true
}

// escapeYAMLUnicode rewrites raw non-ASCII runes as YAML escape
// sequences. Every such rune sits inside a double-quoted scalar at this
// point (yamlNode forces the style), where the escapes parse back to
// the original codepoints.
func escapeYAMLUnicode(s string) string {
	if isASCII(s) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r <= 0x7e:
			b.WriteRune(r)
		case r <= 0xffff:
			fmt.Fprintf(&b, `\u%04x`, r)
		default:
			fmt.Fprintf(&b, `\U%08x`, r)
		}
	}
	return b.String()
}
