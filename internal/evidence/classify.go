package evidence

import (
	"path"
	"strings"
)

// ClassifyKind tags a relative path with its artifact kind.
func ClassifyKind(rel string) Kind {
	rel = ToPosix(rel)
	base := path.Base(rel)

	if strings.Contains(base, "execution_authority") {
		return KindBundle
	}
	switch path.Ext(base) {
	case ".png", ".pdf", ".svg", ".jpg", ".jpeg":
		return KindPlot
	case ".log":
		return KindLog
	}
	if strings.HasPrefix(rel, "logs/") {
		return KindLog
	}
	return KindData
}

// ClassifyRole returns the semantic role for a relative path, if it has one.
func ClassifyRole(rel string) string {
	rel = ToPosix(rel)
	if rel == DefaultBundlePath || path.Base(rel) == "execution_authority_bundle.json" {
		return RoleExecutionAuthorityBundle
	}
	return ""
}

// ToPosix normalizes a relative path to forward slashes. Manifests are
// portable across platforms, so POSIX form is the only encoding written.
func ToPosix(rel string) string {
	return strings.ReplaceAll(rel, "\\", "/")
}
