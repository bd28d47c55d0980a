package scout

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// Directory names that never contain analyzable source. Matched against the
// base name at any depth, which also prunes the walk below them.
var excludedDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"out":          true,
	"target":       true,
	"coverage":     true,
	"__tests__":    true,
	"__pycache__":  true,
	".next":        true,
	".cache":       true,
	".idea":        true,
	".vscode":      true,
}

// File globs excluded by default: lockfiles, minified bundles, documentation,
// and binary artifacts the analyzer cannot read as source.
var excludedFileGlobs = []string{
	"*.min.js",
	"*.min.css",
	"*.map",
	"*.lock",
	"package-lock.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	"go.sum",
	"*.md",
	"*.txt",
	"*.log",
	"*.png",
	"*.jpg",
	"*.jpeg",
	"*.gif",
	"*.ico",
	"*.svg",
	"*.pdf",
	"*.zip",
	"*.tar",
	"*.gz",
	"*.wasm",
	"*.woff",
	"*.woff2",
	"*.ttf",
	"*.eot",
	".DS_Store",
	".gitignore",
	".gitattributes",
	".npmignore",
	".dockerignore",
	".env",
	".env.*",
}

// Filter decides which walked paths enter the pipeline. It combines the
// built-in exclusion set, user-supplied doublestar globs matched against the
// slash-separated relative path, and the repository's .gitignore when one
// exists at the target root.
type Filter struct {
	root    string
	globs   []string
	ignore  gitignore.Matcher
	hasIgn  bool
}

// NewFilter builds a filter rooted at root. extraGlobs come from the config
// and have already been validated.
func NewFilter(root string, extraGlobs []string) (*Filter, error) {
	f := &Filter{root: root, globs: extraGlobs}
	patterns, err := loadGitignore(filepath.Join(root, ".gitignore"))
	if err != nil {
		return nil, err
	}
	if len(patterns) > 0 {
		f.ignore = gitignore.NewMatcher(patterns)
		f.hasIgn = true
	}
	return f, nil
}

func loadGitignore(path string) ([]gitignore.Pattern, error) {
	fh, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	var patterns []gitignore.Pattern
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	return patterns, sc.Err()
}

// SkipDir reports whether the walk should prune the directory at rel
// (slash-separated, relative to the root).
func (f *Filter) SkipDir(rel string) bool {
	if excludedDirs[filepath.Base(rel)] {
		return true
	}
	if f.matchGlobs(rel) {
		return true
	}
	if f.hasIgn && f.ignore.Match(strings.Split(rel, "/"), true) {
		return true
	}
	return false
}

// ExcludeFile reports whether the regular file at rel is outside the
// pipeline's scope.
func (f *Filter) ExcludeFile(rel string) bool {
	base := filepath.Base(rel)
	for _, g := range excludedFileGlobs {
		if ok, _ := doublestar.Match(g, base); ok {
			return true
		}
	}
	if f.matchGlobs(rel) {
		return true
	}
	if f.hasIgn && f.ignore.Match(strings.Split(rel, "/"), false) {
		return true
	}
	return false
}

func (f *Filter) matchGlobs(rel string) bool {
	for _, g := range f.globs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}
