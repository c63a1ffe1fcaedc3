// Package extractor pulls correlation ids out of inbound gateway frames.
//
// Three modes are supported: a JSON path evaluated with gjson, a FIX tag
// read from a raw tag=value frame, and a regular expression whose first
// capture group (or whole match) is the id. JSON paths accept the "$.field"
// and bare "field" forms.
package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/tidwall/gjson"
)

// DefaultJSONPath is where the reference wire envelope carries the id.
const DefaultJSONPath = "cl_ord_id"

// TagClOrdID is the FIX ClOrdID tag echoed on execution reports.
const TagClOrdID = 11

// ErrNotFound is returned when a frame carries no correlation id.
var ErrNotFound = errors.New("extractor: correlation id not found")

// Extractor locates the correlation id inside a frame.
type Extractor struct {
	find func(frame []byte) string
}

// New compiles an extractor. Precedence is jsonPath, then tag, then
// pattern; an empty configuration falls back to DefaultJSONPath.
func New(jsonPath string, tag int, pattern string) (*Extractor, error) {
	switch {
	case jsonPath != "":
		return &Extractor{find: jsonFinder(jsonPath)}, nil
	case tag > 0:
		return &Extractor{find: tagFinder(tag)}, nil
	case pattern != "":
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("extractor: invalid regex %q: %w", pattern, err)
		}
		return &Extractor{find: regexFinder(re)}, nil
	case tag < 0:
		return nil, fmt.Errorf("extractor: invalid FIX tag %d", tag)
	default:
		return &Extractor{find: jsonFinder(DefaultJSONPath)}, nil
	}
}

// Extract returns the correlation id carried by frame.
func (e *Extractor) Extract(frame []byte) (string, error) {
	if id := e.find(frame); id != "" {
		return id, nil
	}
	return "", ErrNotFound
}

// jsonFinder evaluates path with gjson. A bare "$" selects the whole
// document.
func jsonFinder(path string) func([]byte) string {
	switch {
	case path == "$":
		path = "@this"
	case len(path) > 1 && path[:2] == "$.":
		path = path[2:]
	}
	return func(frame []byte) string {
		if !gjson.ValidBytes(frame) {
			return ""
		}
		res := gjson.GetBytes(frame, path)
		if !res.Exists() {
			return ""
		}
		return res.String()
	}
}

// tagFinder scans a tag=value frame delimited by SOH or '|'.
func tagFinder(tag int) func([]byte) string {
	prefix := []byte(strconv.Itoa(tag) + "=")
	return func(frame []byte) string {
		for len(frame) > 0 {
			end := bytes.IndexAny(frame, "\x01|")
			field := frame
			if end >= 0 {
				field, frame = frame[:end], frame[end+1:]
			} else {
				frame = nil
			}
			if bytes.HasPrefix(field, prefix) {
				return string(field[len(prefix):])
			}
		}
		return ""
	}
}

// regexFinder returns the first capture group when the pattern has one, the
// full match otherwise.
func regexFinder(re *regexp.Regexp) func([]byte) string {
	return func(frame []byte) string {
		m := re.FindSubmatch(frame)
		switch {
		case m == nil:
			return ""
		case len(m) > 1:
			return string(m[1])
		default:
			return string(m[0])
		}
	}
}
