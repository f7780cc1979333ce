package env

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/requester/pkg/request"
)

// SourceKind identifies one of the three environment sources.
type SourceKind string

const (
	// SourceInline is the env block of the text the requests were taken from.
	SourceInline SourceKind = "inline"

	// SourceFile is the env block of the saved file backing that text.
	SourceFile SourceKind = "file"

	// SourceEnvFile is an external environment file.
	SourceEnvFile SourceKind = "env_file"
)

// Sources lists where an environment is resolved from. Every field is optional.
// Later sources take precedence: Inline < File < EnvFile.
type Sources struct {
	// Inline holds binding statements (usually the env block of unsaved text)
	Inline string `json:"env_string,omitempty"`

	// File is the path of the file whose env block is re-read from disk
	File string `json:"file,omitempty"`

	// EnvFile is the path of an external environment file
	EnvFile string `json:"env_file,omitempty"`
}

var envFileDirective = regexp.MustCompile(`^\s*env_file\s*=`)

// SourcesFromText derives Sources for text that was loaded from path.
func SourcesFromText(text, path string) Sources {
	return Sources{
		Inline:  ParseBlock(text),
		File:    path,
		EnvFile: EnvFileDirective(text, path),
	}
}

// ParseBlock returns the contents of the first env block in text, delimited
// by lines equal to "###env". An empty or unclosed block yields "".
func ParseBlock(text string) string {
	var lines []string
	inBlock := false

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == request.EnvDelimiter {
			if inBlock {
				return strings.Join(lines, "\n")
			}
			inBlock = true
			continue
		}
		if inBlock {
			lines = append(lines, line)
		}
	}
	return ""
}

// EnvFileDirective finds the first `env_file = "..."` line in text and returns
// the path it names. Relative paths are resolved against the directory of
// file; when file is empty a relative path cannot be resolved and "" is returned.
func EnvFileDirective(text, file string) string {
	for _, line := range strings.Split(text, "\n") {
		if !envFileDirective.MatchString(line) {
			continue
		}

		bindings, err := Eval(strings.TrimSpace(line))
		if err != nil {
			return ""
		}
		v, ok := bindings["env_file"]
		if !ok || v == nil {
			return ""
		}
		path := fmt.Sprint(v)
		if path == "" {
			return ""
		}
		if filepath.IsAbs(path) {
			return path
		}
		if file == "" {
			return ""
		}
		return filepath.Join(filepath.Dir(file), path)
	}
	return ""
}

// evalEnvFile evaluates the contents of an external environment file. YAML
// files must hold a top-level mapping; anything else uses the binding grammar.
func evalEnvFile(path string, data []byte) (map[string]any, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var out map[string]any
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
		return out, nil
	default:
		return Eval(string(data))
	}
}
