// Package artifact reassembles multi-part encoded definitions into one
// readable document.
//
// A completed remote operation returns its result as named parts, each with a
// base64 payload. Only parts whose path carries the content suffix are kept;
// the rest are manifests. Each kept part is decoded independently, so one bad
// payload degrades its own section and never the others.
package artifact

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultSuffix marks content-bearing parts of a semantic model definition.
const DefaultSuffix = ".tmdl"

// NoContent is rendered in place of a document when there were no parts.
const NoContent = "No model definition found"

var (
	banner  = strings.Repeat("=", 40)
	divider = strings.Repeat("─", 40)
)

// Part is one named, encoded file of a composite result.
type Part struct {
	Path        string `json:"path"`
	Payload     string `json:"payload"`
	PayloadType string `json:"payloadType,omitempty"`
}

// Definition is the body of a completed get-definition operation.
type Definition struct {
	Definition struct {
		Parts []Part `json:"parts"`
	} `json:"definition"`
}

// Section is one decoded part. Err is set when the payload could not be decoded.
type Section struct {
	Path    string
	Content string
	Err     error
}

// Document is the ordered result of Assemble.
type Document struct {
	Sections []Section
	empty    bool
}

// ErrNotText is returned for payloads that decode to something other than UTF-8 text.
var ErrNotText = errors.New("payload is not valid UTF-8 text")

// Assemble keeps the parts whose path ends with suffix, in their original
// order, and decodes each one.
func Assemble(parts []Part, suffix string) Document {
	if len(parts) == 0 {
		return Document{empty: true}
	}
	if suffix == "" {
		suffix = DefaultSuffix
	}

	doc := Document{}
	for _, p := range parts {
		if !strings.HasSuffix(p.Path, suffix) {
			continue
		}
		content, err := decode(p.Payload)
		doc.Sections = append(doc.Sections, Section{Path: p.Path, Content: content, Err: err})
	}
	return doc
}

func decode(payload string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", ErrNotText
	}
	return string(raw), nil
}

// Empty reports whether the source had no parts at all.
func (d Document) Empty() bool { return d.empty }

// DecodeErrors counts the sections whose payload failed to decode.
func (d Document) DecodeErrors() int {
	n := 0
	for _, s := range d.Sections {
		if s.Err != nil {
			n++
		}
	}
	return n
}

// Render formats the document under title. An empty document renders as
// NoContent. Output depends only on the section order.
func (d Document) Render(title string) string {
	if d.empty {
		return NoContent
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\n\n", title, banner)
	for _, s := range d.Sections {
		if s.Err != nil {
			fmt.Fprintf(&b, "\n%s\nFile: %s\n%s\nError decoding %s: %v\n", divider, s.Path, divider, s.Path, s.Err)
			continue
		}
		fmt.Fprintf(&b, "\n%s\nFile: %s\n%s\n%s\n", divider, s.Path, divider, s.Content)
	}
	return b.String()
}
