package patch

import (
	"path/filepath"
	"strconv"
	"strings"

	v1 "github.com/parallelwork/parallelwork/pkg/api/v1"
)

// binaryExtensions classifies paths enumerated as binary when binary hunks
// are requested.
var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true,
	".pdf": true, ".zip": true, ".gz": true, ".tar": true, ".jar": true,
	".so": true, ".dylib": true, ".dll": true, ".exe": true, ".bin": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
}

// parseNameStatus parses `git diff --name-status -M` output into file
// changes. Rename lines carry both the old and new path.
func parseNameStatus(out string) []v1.FileChange {
	var files []v1.FileChange
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 2 {
			continue
		}

		code := parts[0]
		fc := v1.FileChange{Path: parts[1]}
		switch {
		case strings.HasPrefix(code, "A"):
			fc.Status = v1.FileStatusAdded
		case strings.HasPrefix(code, "M"):
			fc.Status = v1.FileStatusModified
		case strings.HasPrefix(code, "D"):
			fc.Status = v1.FileStatusDeleted
		case strings.HasPrefix(code, "R"):
			fc.Status = v1.FileStatusRenamed
			if len(parts) >= 3 {
				fc.OldPath = parts[1]
				fc.Path = parts[2]
			}
		default:
			// Copies and mode changes surface as modifications.
			fc.Status = v1.FileStatusModified
		}
		files = append(files, fc)
	}
	return files
}

// mergeNumstat folds `git diff --numstat -M` line counts into the parsed
// file list. Binary entries report "-" and stay at zero.
func mergeNumstat(files []v1.FileChange, out string) {
	counts := make(map[string][2]int)
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Split(strings.TrimRight(line, "\r"), "\t")
		if len(parts) < 3 {
			continue
		}
		add, err1 := strconv.Atoi(parts[0])
		del, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			continue
		}

		path := parts[2]
		// Renames appear as "old => new" or "prefix{old => new}suffix".
		if idx := strings.Index(path, " => "); idx >= 0 {
			path = renameTarget(path)
		}
		counts[path] = [2]int{add, del}
	}

	for i := range files {
		if c, ok := counts[files[i].Path]; ok {
			files[i].Additions = c[0]
			files[i].Deletions = c[1]
		}
	}
}

// renameTarget resolves the post-rename path from numstat's arrow notation.
func renameTarget(path string) string {
	open := strings.Index(path, "{")
	end := strings.Index(path, "}")
	if open >= 0 && end > open {
		inner := path[open+1 : end]
		if idx := strings.Index(inner, " => "); idx >= 0 {
			inner = inner[idx+4:]
		}
		resolved := path[:open] + inner + path[end+1:]
		return strings.ReplaceAll(resolved, "//", "/")
	}
	if idx := strings.Index(path, " => "); idx >= 0 {
		return path[idx+4:]
	}
	return path
}

func totals(files []v1.FileChange) (additions, deletions int) {
	for _, f := range files {
		additions += f.Additions
		deletions += f.Deletions
	}
	return
}

// annotateBinaryPaths appends a binary-file enumeration to the patch
// summary, classified by extension.
func annotateBinaryPaths(p *v1.Patch) {
	var binaries []string
	for _, f := range p.Files {
		if binaryExtensions[strings.ToLower(filepath.Ext(f.Path))] {
			binaries = append(binaries, f.Path)
		}
	}
	if len(binaries) > 0 {
		p.Summary = strings.TrimSpace(p.Summary + "\nbinary files: " + strings.Join(binaries, ", "))
	}
}
