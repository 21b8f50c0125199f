// Package authority models the execution authority bundle: the full,
// hidden-default-free closure of parameters that determined a run. Every
// field is explicit and validated at load time; a missing section breaks the
// claim of full closure and is fatal rather than silently defaulted.
package authority

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/torus-labs/runproof/internal/evidence"
)

const BundleSchemaV1 = "runproof.execution_authority.v1"

// GridSpec fixes the computational grid.
type GridSpec struct {
	RMin float64 `json:"rmin"`
	RMax float64 `json:"rmax"`
	ZMin float64 `json:"zmin"`
	ZMax float64 `json:"zmax"`
	NX   int     `json:"nx"`
	NY   int     `json:"ny"`
}

func (g GridSpec) Validate() error {
	if g.RMax <= g.RMin {
		return fmt.Errorf("grid: require rmax > rmin (got %v <= %v)", g.RMax, g.RMin)
	}
	if g.ZMax <= g.ZMin {
		return fmt.Errorf("grid: require zmax > zmin (got %v <= %v)", g.ZMax, g.ZMin)
	}
	if g.NX < 8 {
		return fmt.Errorf("grid: nx must be >= 8 (got %d)", g.NX)
	}
	if g.NY < 8 {
		return fmt.Errorf("grid: ny must be >= 8 (got %d)", g.NY)
	}
	return nil
}

// ProfileSpec fixes the plasma profile parameterization knobs.
type ProfileSpec struct {
	PaxisPa float64 `json:"paxis_pa"`
	Fvac    float64 `json:"fvac"`
	AlphaM  float64 `json:"alpha_m"`
	AlphaN  float64 `json:"alpha_n"`
}

func (p ProfileSpec) Validate() error {
	if !(p.PaxisPa > 0) {
		return fmt.Errorf("profile: paxis_pa must be > 0 (got %v)", p.PaxisPa)
	}
	if p.Fvac < 0 || p.Fvac > 1 {
		return fmt.Errorf("profile: fvac must be in [0,1] (got %v)", p.Fvac)
	}
	if !(p.AlphaM > 0) {
		return fmt.Errorf("profile: alpha_m must be > 0 (got %v)", p.AlphaM)
	}
	if !(p.AlphaN > 0) {
		return fmt.Errorf("profile: alpha_n must be > 0 (got %v)", p.AlphaN)
	}
	return nil
}

// ProfileBasisSpec pins the functional basis behind the profile
// parameterization so silent changes in the implicit representation surface
// as closure mismatches.
type ProfileBasisSpec struct {
	BasisType          string `json:"basis_type"`
	KnotPolicy         string `json:"knot_policy"`
	InterpolationOrder int    `json:"interpolation_order"`
	Regularization     string `json:"regularization"`
}

func (p ProfileBasisSpec) Validate() error {
	if strings.TrimSpace(p.BasisType) == "" {
		return fmt.Errorf("profile_basis: basis_type is required")
	}
	if strings.TrimSpace(p.KnotPolicy) == "" {
		return fmt.Errorf("profile_basis: knot_policy is required")
	}
	if p.InterpolationOrder < 1 {
		return fmt.Errorf("profile_basis: interpolation_order must be >= 1 (got %d)", p.InterpolationOrder)
	}
	return nil
}

// BoundarySpec fixes the inverse-shape constraints.
type BoundarySpec struct {
	NullPoints [][]float64   `json:"null_points"`
	IsofluxSet [][][]float64 `json:"isoflux_set"`
}

func (b BoundarySpec) Validate() error {
	if len(b.NullPoints) != 2 {
		return fmt.Errorf("boundary: null_points must be a 2x2 list (got %d rows)", len(b.NullPoints))
	}
	for i, row := range b.NullPoints {
		if len(row) != 2 {
			return fmt.Errorf("boundary: null_points row %d must have 2 values (got %d)", i, len(row))
		}
	}
	if len(b.IsofluxSet) == 0 {
		return fmt.Errorf("boundary: isoflux_set must be non-empty")
	}
	return nil
}

// L2RegSpec fixes the L2 regularization policy, including per-coil overrides.
type L2RegSpec struct {
	Default         float64            `json:"default"`
	PerCoilOverride map[string]float64 `json:"per_coil_override,omitempty"`
}

func (l L2RegSpec) Validate() error {
	if l.Default < 0 {
		return fmt.Errorf("l2_reg: default must be >= 0 (got %v)", l.Default)
	}
	for coil, v := range l.PerCoilOverride {
		if strings.TrimSpace(coil) == "" {
			return fmt.Errorf("l2_reg: override keys must be non-empty")
		}
		if v < 0 {
			return fmt.Errorf("l2_reg: override %s must be >= 0 (got %v)", coil, v)
		}
	}
	return nil
}

// PassiveStructureSpec reserves a slot for passive structure governance.
// Disabled bundles carry it with Model "none" so enabling it later is a
// visible closure change, not a new key appearing from nowhere.
type PassiveStructureSpec struct {
	Enabled    bool           `json:"enabled"`
	Model      string         `json:"model"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (p PassiveStructureSpec) Validate() error {
	if p.Enabled && strings.TrimSpace(p.Model) == "" {
		return fmt.Errorf("passive_structure: model is required when enabled")
	}
	return nil
}

func passiveModel(p PassiveStructureSpec) string {
	if strings.TrimSpace(p.Model) == "" {
		return "none"
	}
	return p.Model
}

// SolverSpec fixes the solver control knobs.
type SolverSpec struct {
	InverseTargetRelativeTolerance  float64   `json:"inverse_target_relative_tolerance"`
	InverseTargetRelativePsitUpdate float64   `json:"inverse_target_relative_psit_update"`
	ForwardTargetRelativeTolerance  float64   `json:"forward_target_relative_tolerance"`
	L2Reg                           L2RegSpec `json:"l2_reg"`
}

func (s SolverSpec) Validate() error {
	for name, v := range map[string]float64{
		"inverse_target_relative_tolerance":   s.InverseTargetRelativeTolerance,
		"inverse_target_relative_psit_update": s.InverseTargetRelativePsitUpdate,
		"forward_target_relative_tolerance":   s.ForwardTargetRelativeTolerance,
	} {
		if !(v > 0 && v < 1) {
			return fmt.Errorf("solver: %s must be in (0,1) (got %v)", name, v)
		}
	}
	return s.L2Reg.Validate()
}

// Bundle is the top-level execution authority document.
type Bundle struct {
	Schema        string               `json:"schema"`
	AuthorityName string               `json:"authority_name"`
	Version       string               `json:"authority_version"`
	SolverVersion string               `json:"solver_version,omitempty"`
	Grid          GridSpec             `json:"grid"`
	Profile       ProfileSpec          `json:"profile"`
	ProfileBasis  ProfileBasisSpec     `json:"profile_basis"`
	Boundary      BoundarySpec         `json:"boundary"`
	Solver        SolverSpec           `json:"solver"`
	Passive       PassiveStructureSpec `json:"passive_structure"`
}

func (b Bundle) Validate() error {
	if strings.TrimSpace(b.AuthorityName) == "" {
		return fmt.Errorf("bundle: authority_name is required")
	}
	if strings.TrimSpace(b.Version) == "" {
		return fmt.Errorf("bundle: authority_version is required")
	}
	if err := b.Grid.Validate(); err != nil {
		return err
	}
	if err := b.Profile.Validate(); err != nil {
		return err
	}
	if err := b.ProfileBasis.Validate(); err != nil {
		return err
	}
	if err := b.Boundary.Validate(); err != nil {
		return err
	}
	if err := b.Solver.Validate(); err != nil {
		return err
	}
	return b.Passive.Validate()
}

const bundleSchemaText = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["authority_name", "authority_version", "grid", "profile", "boundary", "solver"],
  "properties": {
    "authority_name": {"type": "string", "minLength": 1},
    "authority_version": {"type": "string", "minLength": 1},
    "solver_version": {"type": "string"},
    "grid": {
      "type": "object",
      "required": ["rmin", "rmax", "zmin", "zmax", "nx", "ny"]
    },
    "profile": {
      "type": "object",
      "required": ["paxis_pa", "fvac", "alpha_m", "alpha_n"]
    },
    "boundary": {
      "type": "object",
      "required": ["null_points", "isoflux_set"]
    },
    "solver": {
      "type": "object",
      "required": [
        "inverse_target_relative_tolerance",
        "inverse_target_relative_psit_update",
        "forward_target_relative_tolerance",
        "l2_reg"
      ]
    }
  }
}`

// Load reads and validates a bundle file. Missing required sections are
// rejected here so no silent default can stand in for a declared parameter.
func Load(path string) (Bundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("read bundle: %w", err)
	}
	return Decode(raw)
}

// Decode parses and validates raw bundle JSON.
func Decode(raw []byte) (Bundle, error) {
	if err := evidence.ValidateDocument("execution_authority.schema.json", bundleSchemaText, raw); err != nil {
		return Bundle{}, err
	}
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return Bundle{}, fmt.Errorf("decode bundle: %w", err)
	}
	if err := b.Validate(); err != nil {
		return Bundle{}, err
	}
	return b, nil
}

// Save writes the bundle to path with a trailing newline.
func Save(path string, b Bundle) error {
	if err := b.Validate(); err != nil {
		return err
	}
	b.Schema = BundleSchemaV1
	blob, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	return os.WriteFile(path, append(blob, '\n'), 0o644)
}

// ClosureKeys flattens the bundle into dotted closure keys. Structured
// boundary values are folded to a content digest so closures stay flat while
// any change in the structure still surfaces as a key mismatch.
func (b Bundle) ClosureKeys() (map[string]any, error) {
	nullPoints, err := evidence.CanonicalSHA256(b.Boundary.NullPoints)
	if err != nil {
		return nil, err
	}
	isoflux, err := evidence.CanonicalSHA256(b.Boundary.IsofluxSet)
	if err != nil {
		return nil, err
	}

	keys := map[string]any{
		"authority.name":    b.AuthorityName,
		"authority.version": b.Version,

		"grid.rmin": b.Grid.RMin,
		"grid.rmax": b.Grid.RMax,
		"grid.zmin": b.Grid.ZMin,
		"grid.zmax": b.Grid.ZMax,
		"grid.nx":   float64(b.Grid.NX),
		"grid.ny":   float64(b.Grid.NY),

		"profile.paxis_pa": b.Profile.PaxisPa,
		"profile.fvac":     b.Profile.Fvac,
		"profile.alpha_m":  b.Profile.AlphaM,
		"profile.alpha_n":  b.Profile.AlphaN,

		"profile_basis.basis_type":          b.ProfileBasis.BasisType,
		"profile_basis.knot_policy":         b.ProfileBasis.KnotPolicy,
		"profile_basis.interpolation_order": float64(b.ProfileBasis.InterpolationOrder),
		"profile_basis.regularization":      b.ProfileBasis.Regularization,

		"boundary.null_points_sha256": nullPoints,
		"boundary.isoflux_set_sha256": isoflux,

		"solver.inverse_target_relative_tolerance":   b.Solver.InverseTargetRelativeTolerance,
		"solver.inverse_target_relative_psit_update": b.Solver.InverseTargetRelativePsitUpdate,
		"solver.forward_target_relative_tolerance":   b.Solver.ForwardTargetRelativeTolerance,
		"solver.l2_reg.default":                      b.Solver.L2Reg.Default,
	}
	if b.SolverVersion != "" {
		keys["env.solver_version"] = b.SolverVersion
	}
	keys["passive_structure.enabled"] = b.Passive.Enabled
	keys["passive_structure.model"] = passiveModel(b.Passive)
	if len(b.Passive.Parameters) > 0 {
		params, err := evidence.CanonicalSHA256(b.Passive.Parameters)
		if err != nil {
			return nil, err
		}
		keys["passive_structure.parameters_sha256"] = params
	}

	coils := make([]string, 0, len(b.Solver.L2Reg.PerCoilOverride))
	for coil := range b.Solver.L2Reg.PerCoilOverride {
		coils = append(coils, coil)
	}
	sort.Strings(coils)
	for _, coil := range coils {
		keys["solver.l2_reg.per_coil."+coil] = b.Solver.L2Reg.PerCoilOverride[coil]
	}
	return keys, nil
}

// Default returns the bundle matching the reference pipeline's template
// behavior. Used by tests and fixture generation, never substituted for a
// missing declared bundle.
func Default() Bundle {
	return Bundle{
		Schema:        BundleSchemaV1,
		AuthorityName: "freegs_execution_authority",
		Version:       "1.0.0",
		Grid:          GridSpec{RMin: 0.1, RMax: 2.0, ZMin: -2.2, ZMax: 2.2, NX: 65, NY: 129},
		Profile:       ProfileSpec{PaxisPa: 8e3, Fvac: 0.5, AlphaM: 1.8, AlphaN: 1.2},
		ProfileBasis: ProfileBasisSpec{
			BasisType:          "ConstrainPaxisIp",
			KnotPolicy:         "implicit",
			InterpolationOrder: 3,
			Regularization:     "none",
		},
		Boundary: BoundarySpec{
			NullPoints: [][]float64{{1.45, 0.90}, {-1.60, 0.00}},
			IsofluxSet: [][][]float64{
				{
					{1.45, 0.60, 1.40, 1.25, 1.45, 1.65},
					{-1.60, 0.00, 0.00, -1.45, -1.62, -1.45},
				},
			},
		},
		Solver: SolverSpec{
			InverseTargetRelativeTolerance:  1e-3,
			InverseTargetRelativePsitUpdate: 1e-3,
			ForwardTargetRelativeTolerance:  1e-6,
			L2Reg:                           L2RegSpec{Default: 1e-8, PerCoilOverride: map[string]float64{"P6": 1e-5}},
		},
		Passive: PassiveStructureSpec{Enabled: false, Model: "none"},
	}
}
