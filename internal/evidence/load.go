package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Form distinguishes an in-place run directory from an exported pack.
type Form string

const (
	// FormRun is a run directory verified in place; its manifest lives
	// under provenance/.
	FormRun Form = "run"
	// FormPack is an exported subset of a run; its manifest sits at the
	// pack root and only supports relaxed verification.
	FormPack Form = "pack"
)

const (
	RunManifestPath  = "provenance/manifest.json"
	PackManifestPath = "pack_manifest.json"
)

// LoadManifest reads the declared manifest from a run directory, trying the
// run form first and the pack form second. The manifest-level hash is
// recomputed from the entries; a stored value that disagrees is an integrity
// error, never a soft finding.
func LoadManifest(dir string) (Manifest, Form, error) {
	for _, candidate := range []struct {
		rel  string
		form Form
	}{
		{RunManifestPath, FormRun},
		{PackManifestPath, FormPack},
	} {
		abs := filepath.Join(dir, filepath.FromSlash(candidate.rel))
		raw, err := os.ReadFile(abs)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return Manifest{}, "", &IntegrityError{Path: candidate.rel, Reason: err.Error()}
		}
		m, err := decodeManifest(candidate.rel, raw)
		if err != nil {
			return Manifest{}, "", err
		}
		return m, candidate.form, nil
	}
	return Manifest{}, "", fmt.Errorf("%s: %w", dir, ErrManifestNotFound)
}

func decodeManifest(rel string, raw []byte) (Manifest, error) {
	if err := validateManifestDocument(raw); err != nil {
		return Manifest{}, &IntegrityError{Path: rel, Reason: err.Error()}
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, &IntegrityError{Path: rel, Reason: err.Error()}
	}

	for i, f := range m.Files {
		m.Files[i].Path = ToPosix(f.Path)
		if f.Kind == "" {
			m.Files[i].Kind = ClassifyKind(f.Path)
		}
	}
	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Path < m.Files[j].Path })
	for i := 1; i < len(m.Files); i++ {
		if m.Files[i].Path == m.Files[i-1].Path {
			return Manifest{}, &IntegrityError{Path: rel, Reason: fmt.Sprintf("duplicate entry %q", m.Files[i].Path)}
		}
	}

	recomputed := ComputeManifestSHA256(m.Files)
	if m.ManifestSHA256 != "" && m.ManifestSHA256 != recomputed {
		return Manifest{}, &IntegrityError{Path: rel, Reason: "manifest hash does not match its entries"}
	}
	m.ManifestSHA256 = recomputed
	return m, nil
}

// SaveManifest writes m in the given form under dir.
func SaveManifest(dir string, m Manifest, form Form) error {
	rel := RunManifestPath
	if form == FormPack {
		rel = PackManifestPath
	}
	m.Schema = ManifestSchemaV1
	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Path < m.Files[j].Path })
	m.ManifestSHA256 = ComputeManifestSHA256(m.Files)

	blob, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	abs := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, append(blob, '\n'), 0o644)
}
