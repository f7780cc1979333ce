package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/Sternrassler/requester/pkg/request"
)

// Entry is one stored request, keyed by method and base URL.
//
// URL is the request URL as written, with {{name}} placeholders left in,
// not the URL that was actually requested. EnvString, File and EnvFile are
// null when the batch had no such environment source.
type Entry struct {
	Key       string  `json:"-"`
	Timestamp int64   `json:"ts"`
	EnvString *string `json:"env_string"`
	File      *string `json:"file"`
	EnvFile   *string `json:"env_file"`
	Method    string  `json:"method"`
	URL       string  `json:"url"`
	Code      int     `json:"code"`
	Request   string  `json:"request"`
}

// Provenance returns the environment sources of e; null fields become "".
func (e Entry) Provenance() Provenance {
	return Provenance{
		EnvString: deref(e.EnvString),
		File:      deref(e.File),
		EnvFile:   deref(e.EnvFile),
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Key returns the history key of a request: "METHOD: <base url>".
func Key(method, url string) string {
	return method + ": " + request.BaseURL(url)
}

// document is the history mapping with its insertion order.
type document struct {
	keys    []string
	entries map[string]Entry
}

func newDocument() *document {
	return &document{entries: make(map[string]Entry)}
}

// decode parses a JSON object keeping the order of its keys. Empty input
// yields an empty document.
func decode(data []byte) (*document, error) {
	doc := newDocument()
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if !gjson.ValidBytes(data) {
		return doc, errors.New("invalid JSON")
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return doc, fmt.Errorf("expected object, got %s", root.Type)
	}

	var decodeErr error
	root.ForEach(func(key, value gjson.Result) bool {
		var e Entry
		if err := json.Unmarshal([]byte(value.Raw), &e); err != nil {
			decodeErr = fmt.Errorf("entry %q: %w", key.String(), err)
			return false
		}
		doc.put(key.String(), e)
		return true
	})
	if decodeErr != nil {
		return newDocument(), decodeErr
	}
	return doc, nil
}

// encode writes the entries as an indented JSON object in insertion order.
func (d *document) encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range d.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(d.entries[k])
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", k, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')

	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", "  "); err != nil {
		return nil, err
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// put inserts e at the end, replacing any entry with the same key.
func (d *document) put(key string, e Entry) {
	if _, ok := d.entries[key]; ok {
		d.remove(key)
	}
	e.Key = key
	d.keys = append(d.keys, key)
	d.entries[key] = e
}

func (d *document) remove(key string) {
	delete(d.entries, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			return
		}
	}
}

// evict drops the oldest entries until at most max remain and returns how
// many were removed.
func (d *document) evict(max int) int {
	overflow := len(d.keys) - max
	if overflow <= 0 {
		return 0
	}
	for _, k := range d.keys[:overflow] {
		delete(d.entries, k)
	}
	d.keys = append([]string(nil), d.keys[overflow:]...)
	return overflow
}

func (d *document) list() []Entry {
	out := make([]Entry, len(d.keys))
	for i, k := range d.keys {
		out[i] = d.entries[k]
	}
	return out
}
