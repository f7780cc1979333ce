package request

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// EnvDelimiter opens and closes an inline environment block.
const EnvDelimiter = "###env"

var methods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

var (
	envFileLine = regexp.MustCompile(`^\s*env_file\s*=`)
	placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)
)

// ParseError reports a request line that could not be parsed.
type ParseError struct {
	Line int
	Text string
	Msg  string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error on line %d (%q): %s", e.Line, e.Text, e.Msg)
}

// Parse extracts requests from text, one per line:
//
//	METHOD URL [H:Name=Value ...] [body=...]
//
// Blank lines, comments, the env_file directive and lines inside an
// env block are skipped. If n > 0 at most n requests are returned.
func Parse(text string, n int) ([]Request, error) {
	var requests []Request
	inEnv := false

	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == EnvDelimiter {
			inEnv = !inEnv
			continue
		}
		trimmed := strings.TrimSpace(line)
		if inEnv || trimmed == "" || strings.HasPrefix(trimmed, "#") || envFileLine.MatchString(line) {
			continue
		}

		req, err := parseLine(trimmed, i+1)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)

		if n > 0 && len(requests) >= n {
			break
		}
	}

	return requests, nil
}

func parseLine(line string, lineNum int) (Request, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Request{}, &ParseError{Line: lineNum, Text: line, Msg: "expected METHOD URL"}
	}

	method := strings.ToUpper(fields[0])
	if !methods[method] {
		return Request{}, &ParseError{Line: lineNum, Text: line, Msg: fmt.Sprintf("unknown method %q", fields[0])}
	}

	req := Request{
		Text:   line,
		Method: method,
		URL:    fields[1],
		Header: http.Header{},
	}

	pos := len(fields[0])
	pos += strings.Index(line[pos:], fields[1]) + len(fields[1])
	for j := 2; j < len(fields); j++ {
		tok := fields[j]
		idx := pos + strings.Index(line[pos:], tok)
		pos = idx + len(tok)
		switch {
		case strings.HasPrefix(tok, "body="):
			// body consumes the rest of the line verbatim
			req.Body = strings.TrimPrefix(line[idx:], "body=")
			return req, nil
		case strings.HasPrefix(tok, "H:"):
			name, value, ok := strings.Cut(strings.TrimPrefix(tok, "H:"), "=")
			if !ok || name == "" {
				return Request{}, &ParseError{Line: lineNum, Text: line, Msg: fmt.Sprintf("malformed header %q", tok)}
			}
			req.Header.Add(name, value)
		default:
			return Request{}, &ParseError{Line: lineNum, Text: line, Msg: fmt.Sprintf("unexpected token %q", tok)}
		}
	}

	return req, nil
}

// Prepare applies the configured per-request timeout to every request.
func Prepare(requests []Request, timeout time.Duration) []Request {
	prepared := make([]Request, len(requests))
	for i, r := range requests {
		if r.Timeout == 0 {
			r.Timeout = timeout
		}
		prepared[i] = r
	}
	return prepared
}

// BaseURL normalizes a URL for matching: the fragment and a trailing
// slash on the path are removed, the query string is kept.
func BaseURL(rawURL string) string {
	u, _, _ := strings.Cut(rawURL, "#")
	path, query, hasQuery := strings.Cut(u, "?")
	path = strings.TrimSuffix(path, "/")
	if hasQuery {
		return path + "?" + query
	}
	return path
}

// Interpolate replaces {{name}} placeholders with values from env.
// Unknown names are left untouched.
func Interpolate(s string, env Environment) string {
	if len(env) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := env[name]
		if !ok || v == nil {
			return m
		}
		return fmt.Sprint(v)
	})
}
