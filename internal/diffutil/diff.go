// Package diffutil implements DiffAnalyzer: commentable-line parsing,
// nearest-line snapping, glob-based diff filtering, and security-path
// detection over unified diffs (§4.3).
package diffutil

import (
	"regexp"
	"strconv"
	"strings"
)

// FileLines is the set of right-side (new-file) line numbers in one file
// that may carry an inline review comment.
type FileLines map[int]bool

// ParseCommentableLines walks a unified diff and returns, per file path,
// the set of new-side line numbers eligible for an inline comment. Context
// lines and additions contribute a line; deletions do not. A `diff --git`
// header resets the current path; a hunk header `@@ -a,b +c,d @@` resets
// the right-side counter to c.
func ParseCommentableLines(diff string) map[string]FileLines {
	result := make(map[string]FileLines)

	var currentPath string
	var newLine int

	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git"):
			currentPath = parseDiffGitPath(line)
			if currentPath != "" {
				if _, ok := result[currentPath]; !ok {
					result[currentPath] = make(FileLines)
				}
			}
			newLine = 0

		case strings.HasPrefix(line, "+++ "):
			if p := parsePlusPlusPlusPath(line); p != "" {
				currentPath = p
				if _, ok := result[currentPath]; !ok {
					result[currentPath] = make(FileLines)
				}
			}

		case strings.HasPrefix(line, "@@"):
			start, ok := parseHunkNewStart(line)
			if ok {
				newLine = start
			}

		case currentPath == "":
			// Not inside a file section yet; ignore.
			continue

		case strings.HasPrefix(line, "+"):
			result[currentPath][newLine] = true
			newLine++

		case strings.HasPrefix(line, "-"):
			// deletions do not occupy a new-side line

		case strings.HasPrefix(line, "\\"):
			// "\ No newline at end of file" marker

		default:
			// context line (including a bare blank line within a hunk)
			result[currentPath][newLine] = true
			newLine++
		}
	}

	return result
}

var diffGitRe = regexp.MustCompile(`^diff --git a/(.+) b/(.+)$`)

func parseDiffGitPath(line string) string {
	m := diffGitRe.FindStringSubmatch(line)
	if m == nil {
		return ""
	}
	return m[2]
}

func parsePlusPlusPlusPath(line string) string {
	p := strings.TrimPrefix(line, "+++ ")
	p = strings.TrimSpace(p)
	if p == "/dev/null" {
		return ""
	}
	return strings.TrimPrefix(p, "b/")
}

var hunkHeaderRe = regexp.MustCompile(`^@@ -\d+(?:,\d+)? \+(\d+)(?:,\d+)? @@`)

func parseHunkNewStart(line string) (int, bool) {
	m := hunkHeaderRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// FindNearestCommentable returns the target line if it is commentable;
// otherwise the nearest commentable line within maxDistance, preferring
// downward on ties (line+d considered before line-d); otherwise -1 to
// signal the finding should be treated as an orphan.
func FindNearestCommentable(lines FileLines, line int, maxDistance int) int {
	if lines == nil {
		return -1
	}
	if lines[line] {
		return line
	}
	for d := 1; d <= maxDistance; d++ {
		if lines[line+d] {
			return line + d
		}
		if lines[line-d] {
			return line - d
		}
	}
	return -1
}

// FilterDiff strips whole-file sections from diff whose new-file path
// matches any of globs.
func FilterDiff(diff string, globs []string) string {
	if len(globs) == 0 {
		return diff
	}
	patterns := make([]*regexp.Regexp, 0, len(globs))
	for _, g := range globs {
		patterns = append(patterns, globToRegexp(g))
	}

	sections := splitFileSections(diff)
	var kept []string
	for _, sec := range sections {
		path := sectionPath(sec)
		if path != "" && matchesAny(path, patterns) {
			continue
		}
		kept = append(kept, sec)
	}
	return strings.Join(kept, "")
}

// FindSecurityPaths returns the diff's file paths that match any of
// securityGlobs, for surfacing to the LLM prompt for elevated scrutiny.
func FindSecurityPaths(diff string, securityGlobs []string) []string {
	if len(securityGlobs) == 0 {
		return nil
	}
	patterns := make([]*regexp.Regexp, 0, len(securityGlobs))
	for _, g := range securityGlobs {
		patterns = append(patterns, globToRegexp(g))
	}

	var out []string
	for _, sec := range splitFileSections(diff) {
		path := sectionPath(sec)
		if path != "" && matchesAny(path, patterns) {
			out = append(out, path)
		}
	}
	return out
}

func matchesAny(path string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(path) {
			return true
		}
	}
	return false
}

// splitFileSections splits a multi-file unified diff into per-file chunks,
// each chunk starting at its "diff --git" line (the final chunk runs to
// end of string).
func splitFileSections(diff string) []string {
	if diff == "" {
		return nil
	}
	lines := strings.SplitAfter(diff, "\n")
	var sections []string
	var current strings.Builder
	started := false

	for _, line := range lines {
		if strings.HasPrefix(line, "diff --git") {
			if started {
				sections = append(sections, current.String())
				current.Reset()
			}
			started = true
		}
		if started {
			current.WriteString(line)
		}
	}
	if started && current.Len() > 0 {
		sections = append(sections, current.String())
	}
	return sections
}

func sectionPath(section string) string {
	for _, line := range strings.Split(section, "\n") {
		if strings.HasPrefix(line, "diff --git") {
			if p := parseDiffGitPath(line); p != "" {
				return p
			}
		}
		if strings.HasPrefix(line, "+++ ") {
			if p := parsePlusPlusPlusPath(line); p != "" {
				return p
			}
		}
	}
	return ""
}

// globToRegexp translates the glob syntax described in §4.3 into an
// anchored regexp: `*` matches within a single path segment, `**` matches
// across segments, and every other regex metacharacter is escaped.
func globToRegexp(glob string) *regexp.Regexp {
	var sb strings.Builder
	sb.WriteString("^")

	runes := []rune(glob)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch c {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				sb.WriteString(".*")
				i++
			} else {
				sb.WriteString("[^/]*")
			}
		case '.', '+', '(', ')', '|', '^', '$', '[', ']', '{', '}', '\\', '?':
			sb.WriteString(regexp.QuoteMeta(string(c)))
		default:
			sb.WriteRune(c)
		}
	}
	sb.WriteString("$")
	return regexp.MustCompile(sb.String())
}
