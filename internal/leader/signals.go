package leader

import (
	"io/fs"
	"strings"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"
)

// Signals reports which repository conventions are present in a working copy.
type Signals struct {
	HasTasks       bool `json:"has_tasks"`
	HasPRD         bool `json:"has_prd"`
	HasCI          bool `json:"has_ci"`
	HasPRTemplate  bool `json:"has_pr_template"`
	HasCodeowners  bool `json:"has_codeowners"`
	HasAgentOwners bool `json:"has_llm_team"`
}

var (
	prdPaths = []string{
		"PRD.md", "prd.md", "docs/PRD.md", "docs/prd.md",
		"docs/product_requirements.md", "product/PRD.md",
	}
	prTemplatePaths = []string{
		".github/pull_request_template.md",
		".github/PULL_REQUEST_TEMPLATE.md",
		"PULL_REQUEST_TEMPLATE.md",
	}
	codeownersPaths = []string{".github/CODEOWNERS", "CODEOWNERS"}
	teamMarkerPaths = []string{".github/llm-team.md", "docs/llm-team.md"}
)

// PresentSignals inspects fsys for the conventions the scan report lists.
func PresentSignals(fsys fs.FS, taskPattern string) Signals {
	return Signals{
		HasTasks:       anyMatch(fsys, taskPattern),
		HasPRD:         anyExists(fsys, prdPaths),
		HasCI:          anyMatch(fsys, ".github/workflows/*.{yml,yaml}"),
		HasPRTemplate:  anyExists(fsys, prTemplatePaths),
		HasCodeowners:  anyExists(fsys, codeownersPaths),
		HasAgentOwners: hasAgentOwners(fsys),
	}
}

func anyExists(fsys fs.FS, paths []string) bool {
	for _, p := range paths {
		if _, err := fs.Stat(fsys, p); err == nil {
			return true
		}
	}
	return false
}

func anyMatch(fsys fs.FS, pattern string) bool {
	matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
	return err == nil && len(matches) > 0
}

// hasAgentOwners looks for a team marker file or an owners entry naming an
// automated team.
func hasAgentOwners(fsys fs.FS) bool {
	if anyExists(fsys, teamMarkerPaths) {
		return true
	}
	for _, p := range codeownersPaths {
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			continue
		}
		words := strings.FieldsFunc(strings.ToLower(string(data)), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, w := range words {
			if w == "llm" || w == "ai" {
				return true
			}
		}
	}
	return false
}
