// Package evidence implements content-addressed manifests for run directories.
//
// A manifest is the declared evidence a run carries about its own artifact
// tree: one SHA-256 per regular file, sorted by POSIX-style relative path so
// the encoding is identical across platforms. The manifest-level hash is
// always recomputed from the entries, never trusted from disk, so a tampered
// manifest cannot self-certify.
package evidence

import (
	"errors"
	"fmt"
)

const ManifestSchemaV1 = "runproof.manifest.v1"

// Kind tags what role a file plays inside a run directory.
type Kind string

const (
	KindData   Kind = "data"
	KindPlot   Kind = "plot"
	KindLog    Kind = "log"
	KindBundle Kind = "bundle"
)

// RoleExecutionAuthorityBundle marks the artifact holding the full closure of
// parameters that determined the run.
const RoleExecutionAuthorityBundle = "execution_authority_bundle"

// DefaultBundlePath is where the run-producing pipeline writes the bundle.
const DefaultBundlePath = "inputs/execution_authority/execution_authority_bundle.json"

// Entry declares one artifact: relative path, content hash, and kind tag.
type Entry struct {
	Path      string `json:"path"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
	Kind      Kind   `json:"kind"`
	Role      string `json:"role,omitempty"`
}

// Manifest is the declared path->hash mapping for a run directory.
type Manifest struct {
	Schema         string  `json:"schema"`
	Files          []Entry `json:"files"`
	ManifestSHA256 string  `json:"manifest_sha256"`
}

// HashMap returns the declared path->sha256 mapping.
func (m Manifest) HashMap() map[string]string {
	out := make(map[string]string, len(m.Files))
	for _, f := range m.Files {
		out[f.Path] = f.SHA256
	}
	return out
}

// Entry returns the declared entry for path, if any.
func (m Manifest) Entry(path string) (Entry, bool) {
	for _, f := range m.Files {
		if f.Path == path {
			return f, true
		}
	}
	return Entry{}, false
}

// BundlePath returns the declared execution authority bundle path, if tagged.
func (m Manifest) BundlePath() (string, bool) {
	for _, f := range m.Files {
		if f.Role == RoleExecutionAuthorityBundle {
			return f.Path, true
		}
	}
	return "", false
}

// Status classifies one artifact outcome during verification.
type Status string

const (
	StatusOK           Status = "OK"
	StatusHashMismatch Status = "HASH_MISMATCH"
	StatusMissing      Status = "MISSING"
	StatusExtra        Status = "EXTRA"
)

// Outcome is the verification result for a single artifact path.
type Outcome struct {
	Path     string `json:"path"`
	Status   Status `json:"status"`
	Kind     Kind   `json:"kind,omitempty"`
	Expected string `json:"expected_sha256,omitempty"`
	Actual   string `json:"actual_sha256,omitempty"`
	Cause    string `json:"cause,omitempty"`
}

// ErrManifestNotFound reports a run directory that carries no declared
// manifest in either the run or pack form.
var ErrManifestNotFound = errors.New("manifest not found")

// IntegrityError reports declared evidence that is corrupt or self-inconsistent.
// It is fatal to any verdict and is never downgraded to a soft finding.
type IntegrityError struct {
	Path   string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("evidence integrity: %s: %s", e.Path, e.Reason)
}
