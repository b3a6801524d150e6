package domain

import "time"

type ClientType string

const (
	ClientFarm         ClientType = "farm"
	ClientBusiness     ClientType = "business"
	ClientIndividual   ClientType = "individual"
	ClientMunicipality ClientType = "municipality"
	ClientNGO          ClientType = "ngo"
)

type ExtractionMethod string

const (
	MethodPrimary      ExtractionMethod = "primary"
	MethodFallbackOne  ExtractionMethod = "fallback_1"
	MethodFallbackTwo  ExtractionMethod = "fallback_2"
	MethodManualReview ExtractionMethod = "manual_review"
)

// ExtractionRequest identifies a stored document to run extraction against.
type ExtractionRequest struct {
	DocumentID       string     `json:"document_id"`
	FileReference    string     `json:"file_reference"`
	FileName         string     `json:"file_name"`
	ClientType       ClientType `json:"client_type"`
	DocumentTypeHint string     `json:"document_type_hint,omitempty"`
}

// ExtractionAttempt is one full run of the fallback chain for one document.
// It is mutated only while the chain is in flight and immutable afterwards.
type ExtractionAttempt struct {
	ID               string           `json:"id"`
	DocumentID       string           `json:"document_id"`
	FileReference    string           `json:"file_reference"`
	ClientType       ClientType       `json:"client_type"`
	Method           ExtractionMethod `json:"method"`
	Confidence       float64          `json:"confidence"`
	Cost             float64          `json:"cost"`
	ProcessingTimeMs int64            `json:"processing_time_ms"`
	Errors           []string         `json:"errors"`
	Fields           ExtractedFields  `json:"fields"`
	CreatedAt        time.Time        `json:"created_at"`
}

// ExtractedFields is a tagged variant: exactly one member matching Kind is set.
type ExtractedFields struct {
	Kind         ClientType          `json:"kind"`
	Farm         *FarmFields         `json:"farm,omitempty"`
	Business     *BusinessFields     `json:"business,omitempty"`
	Individual   *IndividualFields   `json:"individual,omitempty"`
	Municipality *MunicipalityFields `json:"municipality,omitempty"`
	NGO          *NGOFields          `json:"ngo,omitempty"`
}

type FarmFields struct {
	HoldingNumber   string  `json:"holding_number" yaml:"holding_number"`
	FarmName        string  `json:"farm_name" yaml:"farm_name"`
	ArableHectares  float64 `json:"arable_hectares" yaml:"arable_hectares"`
	LivestockUnits  float64 `json:"livestock_units" yaml:"livestock_units"`
	SubsidyScheme   string  `json:"subsidy_scheme" yaml:"subsidy_scheme"`
	RequestedAmount float64 `json:"requested_amount" yaml:"requested_amount"`
	IBAN            string  `json:"iban" yaml:"iban"`
}

type BusinessFields struct {
	RegistrationNumber string  `json:"registration_number" yaml:"registration_number"`
	CompanyName        string  `json:"company_name" yaml:"company_name"`
	VATNumber          string  `json:"vat_number" yaml:"vat_number"`
	SubsidyScheme      string  `json:"subsidy_scheme" yaml:"subsidy_scheme"`
	RequestedAmount    float64 `json:"requested_amount" yaml:"requested_amount"`
	IBAN               string  `json:"iban" yaml:"iban"`
}

type IndividualFields struct {
	NationalID      string  `json:"national_id" yaml:"national_id"`
	FullName        string  `json:"full_name" yaml:"full_name"`
	SubsidyScheme   string  `json:"subsidy_scheme" yaml:"subsidy_scheme"`
	RequestedAmount float64 `json:"requested_amount" yaml:"requested_amount"`
	IBAN            string  `json:"iban" yaml:"iban"`
}

type MunicipalityFields struct {
	MunicipalityCode string  `json:"municipality_code" yaml:"municipality_code"`
	MunicipalityName string  `json:"municipality_name" yaml:"municipality_name"`
	ProjectReference string  `json:"project_reference" yaml:"project_reference"`
	SubsidyScheme    string  `json:"subsidy_scheme" yaml:"subsidy_scheme"`
	RequestedAmount  float64 `json:"requested_amount" yaml:"requested_amount"`
}

type NGOFields struct {
	AssociationNumber string  `json:"association_number" yaml:"association_number"`
	OrganizationName  string  `json:"organization_name" yaml:"organization_name"`
	ProjectReference  string  `json:"project_reference" yaml:"project_reference"`
	SubsidyScheme     string  `json:"subsidy_scheme" yaml:"subsidy_scheme"`
	RequestedAmount   float64 `json:"requested_amount" yaml:"requested_amount"`
}

// RecognitionResult is the normalized outcome of one remote recognition call.
// CostBreakdown splits Cost across the services a hybrid call consumed.
type RecognitionResult struct {
	Fields        ExtractedFields
	Confidence    float64
	Cost          float64
	CostBreakdown map[Service]float64
}

// HealthSnapshot is the service health view checked once per orchestrator run.
type HealthSnapshot struct {
	OCRHealthy bool
	AIHealthy  bool
}

func ValidClientType(ct ClientType) bool {
	switch ct {
	case ClientFarm, ClientBusiness, ClientIndividual, ClientMunicipality, ClientNGO:
		return true
	default:
		return false
	}
}
