package domain

import "strings"

// RefKind classifies the git reference a run was triggered for.
type RefKind string

const (
	RefBranch RefKind = "branch"
	RefTag    RefKind = "tag"
)

// Ref identifies the reference a pipeline run executes against. Name is the
// short form without the refs/ prefix.
type Ref struct {
	Name string
	Kind RefKind
}

// ParseRef normalizes a reference string. Fully qualified refs/tags/ and
// refs/heads/ prefixes are stripped and classify the kind; a bare name is
// treated as a branch.
func ParseRef(raw string) Ref {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "refs/tags/"):
		return Ref{Name: strings.TrimPrefix(raw, "refs/tags/"), Kind: RefTag}
	case strings.HasPrefix(raw, "refs/heads/"):
		return Ref{Name: strings.TrimPrefix(raw, "refs/heads/"), Kind: RefBranch}
	default:
		return Ref{Name: raw, Kind: RefBranch}
	}
}

// TagRef builds a tag reference from a short name.
func TagRef(name string) Ref {
	return Ref{Name: strings.TrimSpace(name), Kind: RefTag}
}

// BranchRef builds a branch reference from a short name.
func BranchRef(name string) Ref {
	return Ref{Name: strings.TrimSpace(name), Kind: RefBranch}
}

// IsTag reports whether the reference is a tag.
func (r Ref) IsTag() bool { return r.Kind == RefTag }

// String renders the fully qualified form.
func (r Ref) String() string {
	if r.Kind == RefTag {
		return "refs/tags/" + r.Name
	}
	return "refs/heads/" + r.Name
}
