package daemon

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	"github.com/sirupsen/logrus"

	"vectorguard/internal/backup"
)

// BuildFileFilter creates a FileFilter function that:
// 1. Always excludes the config dir when it lives under root
// 2. Applies the excludes list (gitignore syntax)
// 3. Applies .vectorguardignore files found under root, scoped to their directory
// 4. Accepts files whose basename matches pattern
func BuildFileFilter(root, pattern string, excludes []string) backup.FileFilter {
	var configRel string
	if rel, err := filepath.Rel(root, ConfigDir()); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		configRel = filepath.ToSlash(rel)
	}

	var global *ignore.GitIgnore
	if len(excludes) > 0 {
		global = ignore.CompileIgnoreLines(excludes...)
	}

	matcher, err := newIgnoreMatcher(root)
	if err != nil {
		logrus.WithError(err).Warn("filter: failed to read ignore files")
	}

	return func(relPath string, isDir bool) bool {
		if configRel != "" && (relPath == configRel || strings.HasPrefix(relPath, configRel+"/")) {
			return false
		}

		checkPath := relPath
		if isDir {
			checkPath = relPath + "/"
		}
		if global != nil && global.MatchesPath(checkPath) {
			return false
		}
		if matcher.isIgnored(relPath, isDir) {
			return false
		}
		if isDir {
			return true
		}

		ok, err := path.Match(pattern, path.Base(relPath))
		return err == nil && ok
	}
}

// ignoreMatcher collects .vectorguardignore rules from a watch tree
type ignoreMatcher struct {
	matchers []scopedMatcher
}

type scopedMatcher struct {
	dirPrefix string
	ignore    *ignore.GitIgnore
}

func newIgnoreMatcher(root string) (*ignoreMatcher, error) {
	m := &ignoreMatcher{}

	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if filepath.Base(p) == ".git" && p != root {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Base(p) != IgnoreFileName {
			return nil
		}

		data, readErr := os.ReadFile(p)
		if readErr != nil {
			return nil
		}

		relDir, relErr := filepath.Rel(root, filepath.Dir(p))
		if relErr != nil {
			return nil
		}
		if relDir == "." {
			relDir = ""
		}

		m.matchers = append(m.matchers, scopedMatcher{
			dirPrefix: filepath.ToSlash(relDir),
			ignore:    ignore.CompileIgnoreLines(strings.Split(string(data), "\n")...),
		})
		return nil
	})
	if err != nil {
		return m, err
	}
	return m, nil
}

func (m *ignoreMatcher) isIgnored(relPath string, isDir bool) bool {
	if m == nil || len(m.matchers) == 0 {
		return false
	}

	checkPath := relPath
	if isDir {
		checkPath = relPath + "/"
	}

	for _, sm := range m.matchers {
		var pathToCheck string
		if sm.dirPrefix == "" {
			pathToCheck = checkPath
		} else {
			prefix := sm.dirPrefix + "/"
			if !strings.HasPrefix(relPath, prefix) {
				continue
			}
			pathToCheck = strings.TrimPrefix(checkPath, prefix)
		}

		if sm.ignore.MatchesPath(pathToCheck) {
			return true
		}
	}
	return false
}
