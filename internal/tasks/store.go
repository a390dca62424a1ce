package tasks

import (
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/clintrovert/foreman/pkg/types"
)

// DefaultPattern locates task files relative to the working copy root.
const DefaultPattern = "tasks/*.md"

// DefaultIDPattern matches task ids inside pull request titles.
const DefaultIDPattern = `T-\d+`

// ParseError records a task file that could not be decoded.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse task %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Load reads every task file matching pattern. Files that fail to parse are
// returned separately; the remaining records are still loaded.
func Load(fsys fs.FS, pattern string, codec Codec) ([]types.TaskRecord, []*ParseError, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if codec == nil {
		codec = FrontMatter{}
	}

	matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to glob tasks %q: %w", pattern, err)
	}
	sort.Strings(matches)

	records := make([]types.TaskRecord, 0, len(matches))
	var skipped []*ParseError
	for _, path := range matches {
		content, err := fs.ReadFile(fsys, path)
		if err != nil {
			skipped = append(skipped, &ParseError{Path: path, Err: err})
			continue
		}
		rec, err := codec.Parse(path, content)
		if err != nil {
			skipped = append(skipped, &ParseError{Path: path, Err: err})
			continue
		}
		records = append(records, rec)
	}
	return records, skipped, nil
}

// IDMatcher extracts task ids from free text such as pull request titles.
type IDMatcher struct {
	re *regexp.Regexp
}

// NewIDMatcher compiles the id pattern, falling back to DefaultIDPattern.
func NewIDMatcher(pattern string) (*IDMatcher, error) {
	if pattern == "" {
		pattern = DefaultIDPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to compile task id pattern: %w", err)
	}
	return &IDMatcher{re: re}, nil
}

// Find returns the first task id in s, or "".
func (m *IDMatcher) Find(s string) string {
	return m.re.FindString(s)
}

// Slug turns a title into a branch-safe fragment.
func Slug(title string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			sb.WriteRune(r)
			dash = false
			continue
		}
		if !dash && sb.Len() > 0 {
			sb.WriteRune('-')
			dash = true
		}
	}
	slug := strings.TrimRight(sb.String(), "-")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	return slug
}
