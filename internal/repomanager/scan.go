package repomanager

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/aahilsayed062/repopilot/internal/core"
)

// includedExtensions cover common source, web, config, doc, data, and shell
// formats.
var includedExtensions = map[string]struct{}{
	// Source code
	".py": {}, ".js": {}, ".ts": {}, ".jsx": {}, ".tsx": {}, ".java": {}, ".go": {},
	".rs": {}, ".rb": {}, ".c": {}, ".cpp": {}, ".h": {}, ".hpp": {}, ".cs": {},
	".swift": {}, ".kt": {}, ".scala": {}, ".php": {}, ".pl": {}, ".r": {},
	".m": {}, ".mm": {}, ".lua": {}, ".sh": {}, ".bash": {}, ".zsh": {},
	".ps1": {}, ".psm1": {}, ".bat": {}, ".cmd": {},
	// Web
	".html": {}, ".css": {}, ".scss": {}, ".sass": {}, ".less": {}, ".vue": {}, ".svelte": {},
	// Config
	".json": {}, ".yaml": {}, ".yml": {}, ".toml": {}, ".ini": {}, ".cfg": {}, ".conf": {}, ".xml": {},
	// Docs
	".md": {}, ".rst": {}, ".txt": {}, ".adoc": {},
	// Data
	".sql": {}, ".graphql": {}, ".gql": {},
	// Other
	".dockerfile": {}, ".gitignore": {}, ".gitattributes": {},
}

// specialFileNames are extension-less files that are still indexed.
var specialFileNames = map[string]struct{}{
	"dockerfile": {}, "makefile": {}, "rakefile": {}, "gemfile": {},
	".gitignore": {}, ".gitattributes": {}, ".env.example": {}, ".env.sample": {},
}

// excludedDirs are pruned from the walk (case-insensitive, glob-aware).
var excludedDirs = []string{
	".git", ".hg", ".svn", "node_modules", "__pycache__", ".venv", "venv", "env",
	"dist", "build", "out", "target", ".next", ".nuxt",
	"coverage", ".pytest_cache", ".mypy_cache", ".tox",
	"vendor", "bower_components", "jspm_packages",
	".idea", ".vscode", ".vs", "*.egg-info",
}

// excludedFiles are lock files and OS metadata.
var excludedFiles = map[string]struct{}{
	"package-lock.json": {}, "yarn.lock": {}, "pnpm-lock.yaml": {},
	"cargo.lock": {}, "gemfile.lock": {}, "poetry.lock": {},
	".ds_store": {}, "thumbs.db": {},
}

func isExcludedDir(name string) bool {
	lower := strings.ToLower(name)
	for _, pattern := range excludedDirs {
		if ok, _ := filepath.Match(pattern, lower); ok {
			return true
		}
	}
	return false
}

// eligible decides whether a file participates in scanning and indexing, and
// returns its normalized extension.
func eligible(name string) (string, bool) {
	lower := strings.ToLower(name)
	if _, excluded := excludedFiles[lower]; excluded {
		return "", false
	}
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := includedExtensions[ext]; ok {
		return ext, true
	}
	if _, ok := specialFileNames[lower]; ok {
		return "." + strings.TrimPrefix(lower, "."), true
	}
	return "", false
}

// scannedFile is one eligible file found by walkRepo.
type scannedFile struct {
	fullPath string
	relPath  string // repo-relative, forward slashes
	ext      string // normalized, leading dot
	size     int64
}

// walkRepo yields every eligible file under root, applying the directory,
// file, and extension filters.
func walkRepo(root string) ([]scannedFile, error) {
	var files []scannedFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && isExcludedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		ext, ok := eligible(d.Name())
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}

		files = append(files, scannedFile{
			fullPath: path,
			relPath:  filepath.ToSlash(rel),
			ext:      ext,
			size:     info.Size(),
		})
		return nil
	})
	return files, err
}

// scanStats walks the repository and gathers file counts, byte totals, and
// per-language counters.
func scanStats(root string) (core.RepoStats, error) {
	stats := core.RepoStats{Languages: make(map[string]int)}
	files, err := walkRepo(root)
	if err != nil {
		return stats, err
	}
	for _, f := range files {
		stats.TotalFiles++
		stats.TotalSizeBytes += f.size
		stats.Languages[strings.TrimPrefix(f.ext, ".")]++
	}
	return stats, nil
}
