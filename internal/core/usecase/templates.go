package usecase

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/agridesk/subsidy-extraction/internal/core/domain"
)

//go:embed templates.yaml
var templatesYAML []byte

// TemplateSet resolves the per-client-type skeleton used by the template
// fallback tier. One explicit variant per client type replaces the untyped
// object literals of earlier iterations.
type TemplateSet struct {
	farm         *domain.FarmFields
	business     *domain.BusinessFields
	individual   *domain.IndividualFields
	municipality *domain.MunicipalityFields
	ngo          *domain.NGOFields
}

func LoadTemplates() (*TemplateSet, error) {
	var raw struct {
		Farm         *domain.FarmFields         `yaml:"farm"`
		Business     *domain.BusinessFields     `yaml:"business"`
		Individual   *domain.IndividualFields   `yaml:"individual"`
		Municipality *domain.MunicipalityFields `yaml:"municipality"`
		NGO          *domain.NGOFields          `yaml:"ngo"`
	}
	if err := yaml.Unmarshal(templatesYAML, &raw); err != nil {
		return nil, fmt.Errorf("parse embedded templates: %w", err)
	}
	return &TemplateSet{
		farm:         raw.Farm,
		business:     raw.Business,
		individual:   raw.Individual,
		municipality: raw.Municipality,
		ngo:          raw.NGO,
	}, nil
}

// For returns a copy of the skeleton for the client type, or false when no
// template is configured for it.
func (t *TemplateSet) For(ct domain.ClientType) (domain.ExtractedFields, bool) {
	switch ct {
	case domain.ClientFarm:
		if t.farm != nil {
			fields := *t.farm
			return domain.ExtractedFields{Kind: ct, Farm: &fields}, true
		}
	case domain.ClientBusiness:
		if t.business != nil {
			fields := *t.business
			return domain.ExtractedFields{Kind: ct, Business: &fields}, true
		}
	case domain.ClientIndividual:
		if t.individual != nil {
			fields := *t.individual
			return domain.ExtractedFields{Kind: ct, Individual: &fields}, true
		}
	case domain.ClientMunicipality:
		if t.municipality != nil {
			fields := *t.municipality
			return domain.ExtractedFields{Kind: ct, Municipality: &fields}, true
		}
	case domain.ClientNGO:
		if t.ngo != nil {
			fields := *t.ngo
			return domain.ExtractedFields{Kind: ct, NGO: &fields}, true
		}
	}
	return domain.ExtractedFields{}, false
}
