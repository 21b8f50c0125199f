package closure

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/torus-labs/runproof/internal/evidence"
)

const (
	RunClosurePath  = "provenance/closure.json"
	PackClosurePath = "pack_closure.json"
)

// ErrClosureNotFound reports a run directory carrying no declared closure.
var ErrClosureNotFound = errors.New("closure not found")

const closureSchemaText = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema", "keys"],
  "properties": {
    "schema": {"const": "runproof.closure.v1"},
    "keys": {"type": "object"},
    "captured_at": {"type": "string"}
  }
}`

// Load reads the declared closure from a run directory, run form first, pack
// form second. The document is schema-validated before decoding, and required
// keys are checked: an incomplete closure is fatal to any verdict.
func Load(dir string) (Closure, evidence.Form, error) {
	for _, candidate := range []struct {
		rel  string
		form evidence.Form
	}{
		{RunClosurePath, evidence.FormRun},
		{PackClosurePath, evidence.FormPack},
	} {
		abs := filepath.Join(dir, filepath.FromSlash(candidate.rel))
		raw, err := os.ReadFile(abs)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return Closure{}, "", &evidence.IntegrityError{Path: candidate.rel, Reason: err.Error()}
		}
		c, err := decode(candidate.rel, raw)
		if err != nil {
			return Closure{}, "", err
		}
		return c, candidate.form, nil
	}
	return Closure{}, "", fmt.Errorf("%s: %w", dir, ErrClosureNotFound)
}

func decode(rel string, raw []byte) (Closure, error) {
	if err := evidence.ValidateDocument("closure.schema.json", closureSchemaText, raw); err != nil {
		return Closure{}, &evidence.IntegrityError{Path: rel, Reason: err.Error()}
	}
	var c Closure
	if err := json.Unmarshal(raw, &c); err != nil {
		return Closure{}, &evidence.IntegrityError{Path: rel, Reason: err.Error()}
	}
	if err := c.Validate(); err != nil {
		return Closure{}, err
	}
	return c, nil
}

// Save writes the closure in the given form under dir.
func Save(dir string, c Closure, form evidence.Form) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.Schema = ClosureSchemaV1

	rel := RunClosurePath
	if form == evidence.FormPack {
		rel = PackClosurePath
	}
	blob, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode closure: %w", err)
	}
	abs := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, append(blob, '\n'), 0o644)
}
