package cgi

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"
)

// Response is the HTTP-shaped result of parsing a module's raw CGI output.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ParseOutput is ParseOutputWithLogger with no logger: invalid header
// names and header lines without a colon are dropped silently rather than
// logged. Most callers should use
// ParseOutputWithLogger instead; this form exists for tests and callers
// that don't carry a logger.
func ParseOutput(raw []byte) Response {
	return ParseOutputWithLogger(raw, nil)
}

// ParseOutputWithLogger splits a module's raw stdout into its CGI header
// block and body, then composes an HTTP response from the headers. The
// header/body boundary is the first blank line (a bare "\n" following
// another "\n").
//
// The header block must be valid UTF-8; a module that emits malformed
// text there gets a 500, since the gateway cannot safely interpret it as
// header names and values. At least one of "content-type", "status", or
// "location" must then appear among the headers for the response to be
// considered well-formed; otherwise a 500 is returned with a fixed error
// message as its body.
func ParseOutputWithLogger(raw []byte, log *zap.Logger) Response {
	if log == nil {
		log = zap.NewNop()
	}
	headerBlock, body := splitHeadersAndBody(raw)
	if !utf8.Valid(headerBlock) {
		return Response{
			StatusCode: http.StatusInternalServerError,
			Header:     make(http.Header),
			Body:       []byte("CGI header block is not valid UTF-8"),
		}
	}
	headers := parseCGIHeaders(headerBlock, log)

	resp := Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       body,
	}

	sufficient := false
	for _, h := range headers {
		switch strings.ToLower(h.name) {
		case "content-type":
			sufficient = true
			resp.Header.Set("Content-Type", h.value)
		case "status":
			sufficient = true
			resp.StatusCode = parseStatusLine(h.value)
		case "location":
			sufficient = true
			resp.Header.Set("Location", h.value)
			resp.StatusCode = http.StatusFound
		default:
			if !httpguts.ValidHeaderFieldName(h.name) {
				log.Warn("dropping invalid CGI header name", zap.String("name", h.name))
				continue
			}
			resp.Header.Set(h.name, h.value)
		}
	}

	if !sufficient {
		return Response{
			StatusCode: http.StatusInternalServerError,
			Header:     make(http.Header),
			Body:       []byte("Exactly one of 'location' or 'content-type' must be specified"),
		}
	}
	return resp
}

// parseStatusLine parses a "status" header value, which may be either a
// bare status code ("200") or "CODE reason text" ("404 Not Found"). An
// unparseable code yields 502 Bad Gateway, since the module claimed to set
// a status but produced one the gateway cannot honor.
func parseStatusLine(value string) int {
	code := value
	if sp := strings.IndexByte(value, ' '); sp >= 0 {
		code = value[:sp]
	}
	n, err := strconv.Atoi(code)
	if err != nil || n < 100 || n > 599 {
		return http.StatusBadGateway
	}
	return n
}

type cgiHeader struct {
	name  string
	value string
}

// parseCGIHeaders splits a "Name: value\nName: value" block into headers,
// trimming surrounding whitespace from each component. Lines without a
// colon are logged and dropped as corrupt.
func parseCGIHeaders(block []byte, log *zap.Logger) []cgiHeader {
	var out []cgiHeader
	text := strings.TrimSpace(string(block))
	if text == "" {
		return out
	}
	for _, line := range strings.Split(text, "\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			log.Warn("ignoring CGI header line without a colon", zap.String("line", strings.TrimSpace(line)))
			continue
		}
		out = append(out, cgiHeader{
			name:  strings.TrimSpace(name),
			value: strings.TrimSpace(value),
		})
	}
	return out
}

// splitHeadersAndBody finds the first blank line (two consecutive "\n"
// bytes) in raw and returns the bytes before it as the header block and
// the bytes after it as the body. If no blank line is found, the entire
// input is treated as the body with an empty header block.
func splitHeadersAndBody(raw []byte) (headers, body []byte) {
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}
	return nil, raw
}
