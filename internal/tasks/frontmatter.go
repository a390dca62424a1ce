package tasks

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/clintrovert/foreman/pkg/types"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("tasks: missing front matter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("tasks: malformed front matter")
)

// Codec converts between task file content and TaskRecords. The scheduler only
// ever sees TaskRecords, so the file encoding can be swapped here.
type Codec interface {
	Parse(path string, content []byte) (types.TaskRecord, error)
	SetStatus(content []byte, status string) ([]byte, error)
}

// FrontMatter is the default Codec: markdown with a `---` fenced YAML header.
type FrontMatter struct{}

var knownKeys = map[string]bool{
	"id": true, "title": true, "status": true, "priority": true,
	"depends_on": true, "order": true, "jira": true, "paths": true,
}

// Parse decodes a task file. Missing fields get the scheduler defaults.
func (FrontMatter) Parse(path string, content []byte) (types.TaskRecord, error) {
	header, body, err := split(content)
	if err != nil {
		return types.TaskRecord{}, err
	}

	fm := map[string]any{}
	if err := yaml.Unmarshal(header, &fm); err != nil {
		return types.TaskRecord{}, fmt.Errorf("%w: %v", ErrMalformedFrontMatter, err)
	}

	rec := types.TaskRecord{
		ID:        scalar(fm["id"]),
		Title:     scalar(fm["title"]),
		Status:    scalar(fm["status"]),
		Priority:  strings.ToUpper(scalar(fm["priority"])),
		DependsOn: list(fm["depends_on"]),
		Jira:      scalar(fm["jira"]),
		Paths:     list(fm["paths"]),
		Body:      strings.TrimLeft(string(body), "\n"),
		Path:      path,
	}
	if rec.Status == "" {
		rec.Status = types.StatusQueued
	}
	if rec.Priority == "" {
		rec.Priority = types.DefaultPriority
	}
	if rec.DependsOn == nil {
		rec.DependsOn = []string{}
	}
	if v, ok := fm["order"]; ok && v != nil {
		n, err := strconv.Atoi(scalar(v))
		if err == nil {
			rec.Order = &n
		}
	}

	for k, v := range fm {
		if knownKeys[k] {
			continue
		}
		if rec.Extra == nil {
			rec.Extra = make(map[string]any)
		}
		rec.Extra[k] = v
	}

	return rec, nil
}

// SetStatus rewrites the top-level status line of the front matter and leaves
// every other byte of the file untouched. A missing status line is appended to
// the header.
func (FrontMatter) SetStatus(content []byte, status string) ([]byte, error) {
	lines := bytes.SplitAfter(content, []byte("\n"))
	if len(lines) == 0 || string(trimEOL(lines[0])) != "---" {
		return nil, ErrMissingFrontMatter
	}

	closing := -1
	statusLine := -1
	for i := 1; i < len(lines); i++ {
		line := trimEOL(lines[i])
		if string(line) == "---" {
			closing = i
			break
		}
		if statusLine < 0 && bytes.HasPrefix(line, []byte("status:")) {
			statusLine = i
		}
	}
	if closing < 0 {
		return nil, ErrMalformedFrontMatter
	}

	eol := lineEnding(lines[0])
	replacement := []byte("status: " + status + eol)

	var out bytes.Buffer
	for i, line := range lines {
		switch {
		case i == statusLine:
			out.Write(replacement)
		case statusLine < 0 && i == closing:
			out.Write(replacement)
			out.Write(line)
		default:
			out.Write(line)
		}
	}
	return out.Bytes(), nil
}

// split separates the YAML header from the body.
func split(content []byte) ([]byte, []byte, error) {
	if len(content) == 0 {
		return nil, nil, ErrMissingFrontMatter
	}
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, nil, ErrMissingFrontMatter
	}
	rest := normalized[4:]
	if bytes.HasPrefix(rest, []byte("---\n")) {
		return nil, rest[4:], nil
	}
	parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
	if len(parts) < 2 {
		if bytes.HasSuffix(rest, []byte("\n---")) {
			return rest[:len(rest)-4], nil, nil
		}
		return nil, nil, ErrMalformedFrontMatter
	}
	return parts[0], parts[1], nil
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func list(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := scalar(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
		return []string{}
	default:
		return []string{scalar(t)}
	}
}

func trimEOL(line []byte) []byte {
	return bytes.TrimRight(line, "\r\n")
}

func lineEnding(line []byte) string {
	if bytes.HasSuffix(line, []byte("\r\n")) {
		return "\r\n"
	}
	return "\n"
}
