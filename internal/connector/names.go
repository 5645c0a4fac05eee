package connector

import (
	"regexp"
	"strings"
)

var (
	issueKeyPattern   = regexp.MustCompile(`^\w+[- ]\d+`)
	projectKeyPattern = regexp.MustCompile(`^\w+`)
	branchPunctuation = regexp.MustCompile("[(){}\\[\\].,;:\"'<>~^\\\\/#&*`!$%+=?@|]+")
	trailingUnders    = regexp.MustCompile(`_+$`)
)

// IssueKey extracts the canonical issue key from a branch name, PR title
// or head label, e.g. "DET-123 Fix login" -> "DET-123". Titles written
// with a space separator ("DET 123 ...") canonicalize to the dashed
// form. Returns "" when the name does not start with a key.
func IssueKey(name string) string {
	key := issueKeyPattern.FindString(name)
	if key == "" {
		return ""
	}
	return strings.Replace(key, " ", "-", 1)
}

// ProjectKey returns the leading word of an issue key or branch name,
// e.g. "DET-123" -> "DET".
func ProjectKey(name string) string {
	return projectKeyPattern.FindString(name)
}

// NormalizeBranch derives the ref name used upstream from an issue key
// plus summary: punctuation stripped, spaces to underscores, trailing
// underscores removed, capped at 30 characters.
func NormalizeBranch(name string) string {
	n := branchPunctuation.ReplaceAllString(name, "")
	n = strings.ReplaceAll(n, " ", "_")
	n = trailingUnders.ReplaceAllString(n, "")
	// The cap counts characters, not bytes; slicing bytes could split a
	// multibyte rune and produce an invalid ref name.
	if r := []rune(n); len(r) > 30 {
		n = string(r[:30])
		n = trailingUnders.ReplaceAllString(n, "")
	}
	return n
}

// SplitRepo splits a fully qualified "org/name" repository identifier.
// Missing org yields ("", name).
func SplitRepo(full string) (org, name string) {
	if i := strings.IndexByte(full, '/'); i >= 0 {
		return full[:i], full[i+1:]
	}
	return "", full
}

// HeadLabel builds the "org:branch" label used to search pull requests
// by source branch across an organization.
func HeadLabel(org, branch string) string {
	return org + ":" + branch
}
