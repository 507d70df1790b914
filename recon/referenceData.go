package recon

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ModelParams parameterize one yield model profile. YieldPerMWh is the raw
// conversion rate; Efficiency derates it for the hardware profile.
type ModelParams struct {
	Efficiency  decimal.Decimal `yaml:"efficiency" json:"efficiency"`
	YieldPerMWh decimal.Decimal `yaml:"yield_per_mwh" json:"yield_per_mwh"`
}

// ModelVariant is one registered parameterization of the yield calculation,
// e.g. a specific hardware profile.
type ModelVariant struct {
	Code   string      `yaml:"code"`
	Label  string      `yaml:"label"`
	Params ModelParams `yaml:"params"`
}

// ReferenceData holds the registered model variants for one process run.
// It is built once at startup and passed by reference into every component
// that needs it; there is no package-level registry.
type ReferenceData struct {
	variants []ModelVariant
	byCode   map[string]ModelVariant
}

func NewReferenceData(variants []ModelVariant) (*ReferenceData, error) {
	if len(variants) == 0 {
		return nil, NewConfigError("no model variants registered")
	}
	byCode := make(map[string]ModelVariant, len(variants))
	for _, v := range variants {
		if v.Code == "" {
			return nil, NewConfigError("model variant with empty code")
		}
		if _, exists := byCode[v.Code]; exists {
			return nil, NewConfigError("duplicate model variant code %q", v.Code)
		}
		byCode[v.Code] = v
	}
	return &ReferenceData{variants: variants, byCode: byCode}, nil
}

// LoadReferenceData reads the model variant registry from a YAML file.
func LoadReferenceData(path string) (*ReferenceData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model registry %s: %w", path, err)
	}
	var doc struct {
		Models []ModelVariant `yaml:"models"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, NewConfigError("parse model registry %s: %v", path, err)
	}
	return NewReferenceData(doc.Models)
}

func (r *ReferenceData) Variants() []ModelVariant {
	return r.variants
}

func (r *ReferenceData) VariantCount() int {
	return len(r.variants)
}

func (r *ReferenceData) Variant(code string) (ModelVariant, bool) {
	v, ok := r.byCode[code]
	return v, ok
}

// CalculationModel turns a fact quantity into a derived value under a set of
// model parameters. Quantities are magnitudes by the time Apply sees them.
type CalculationModel interface {
	Apply(quantity decimal.Decimal, params ModelParams) decimal.Decimal
}

// LinearYieldModel is the production model: value = quantity * yield * efficiency.
type LinearYieldModel struct{}

func (LinearYieldModel) Apply(quantity decimal.Decimal, params ModelParams) decimal.Decimal {
	return quantity.Mul(params.YieldPerMWh).Mul(params.Efficiency)
}
