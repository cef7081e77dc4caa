// Package request decodes raw peer writes into HTTP requests and resolves
// them to absolute URLs.
package request

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"strings"

	"ble-http-gateway/internal/model"
)

// ErrMalformedRequest is returned when a write does not carry a request line.
var ErrMalformedRequest = errors.New("malformed request")

// Decode parses a request line, a header block, and an optional body.
// Lines may end in CRLF or LF. The header block ends at the first blank
// line or at end of input; everything after the blank line is the body.
func Decode(raw []byte) (*model.RequestDescriptor, error) {
	rest := raw
	// Leading blank lines are tolerated before the request line.
	var line []byte
	for {
		if len(rest) == 0 {
			return nil, fmt.Errorf("%w: no request line", ErrMalformedRequest)
		}
		line, rest = cutLine(rest)
		if len(bytes.TrimSpace(line)) > 0 {
			break
		}
	}

	fields := strings.Fields(string(line))
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformedRequest, truncate(string(line), 64))
	}

	desc := &model.RequestDescriptor{
		Method: fields[0],
		Target: fields[1],
		Header: make(http.Header),
	}
	if len(fields) > 2 {
		desc.Proto = fields[2]
	}

	for len(rest) > 0 {
		line, rest = cutLine(rest)
		if len(bytes.TrimSpace(line)) == 0 {
			if len(rest) > 0 {
				desc.Body = rest
			}
			break
		}
		key, value, ok := strings.Cut(string(line), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		desc.Header.Add(textproto.CanonicalMIMEHeaderKey(key), strings.TrimSpace(value))
	}

	return desc, nil
}

// cutLine splits b at the first LF, dropping a trailing CR from the line.
func cutLine(b []byte) (line, rest []byte) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return bytes.TrimSuffix(b, []byte{'\r'}), nil
	}
	return bytes.TrimSuffix(b[:i], []byte{'\r'}), b[i+1:]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
