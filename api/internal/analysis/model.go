package analysis

import (
	"fmt"
	"strings"
)

// Mode selects the instruction sent with the image.
type Mode string

const (
	ModeBarcode     Mode = "barcode"
	ModeIngredients Mode = "ingredients"
)

// ParseMode accepts the wire names case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeBarcode:
		return ModeBarcode, nil
	case ModeIngredients:
		return ModeIngredients, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

type ProductType string

const (
	ProductFood       ProductType = "Food"
	ProductMakeup     ProductType = "Makeup"
	ProductCream      ProductType = "Cream"
	ProductOil        ProductType = "Oil"
	ProductToothpaste ProductType = "Toothpaste"
	ProductOther      ProductType = "Other"
)

var productTypes = []ProductType{ProductFood, ProductMakeup, ProductCream, ProductOil, ProductToothpaste, ProductOther}

type Grade string

const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
	GradeE Grade = "E"
)

var grades = []Grade{GradeA, GradeB, GradeC, GradeD, GradeE}

type RiskLevel string

const (
	RiskLow      RiskLevel = "Low"
	RiskModerate RiskLevel = "Moderate"
	RiskHigh     RiskLevel = "High"
	RiskCritical RiskLevel = "Critical"
)

var riskLevels = []RiskLevel{RiskLow, RiskModerate, RiskHigh, RiskCritical}

// ProductAnalysis is always fully populated once it leaves this package.
type ProductAnalysis struct {
	Ingredients []string    `json:"ingredients"`
	ProductName string      `json:"productName"`
	Barcode     string      `json:"barcode,omitempty"`
	ProductType ProductType `json:"productType"`
	Grade       Grade       `json:"grade"`
	HealthScore int         `json:"healthScore"`
	RiskLevel   RiskLevel   `json:"riskLevel"`
	Summary     string      `json:"summary"`
	Warnings    []string    `json:"warnings"`
	Benefits    []string    `json:"benefits"`
}

// Field names as they appear on the wire; used in Outcome.Defaulted.
const (
	FieldIngredients = "ingredients"
	FieldProductName = "productName"
	FieldBarcode     = "barcode"
	FieldProductType = "productType"
	FieldGrade       = "grade"
	FieldHealthScore = "healthScore"
	FieldRiskLevel   = "riskLevel"
	FieldSummary     = "summary"
	FieldWarnings    = "warnings"
	FieldBenefits    = "benefits"
)

// ParseStrategy records which extraction step produced the JSON object.
type ParseStrategy string

const (
	ParsedDirect   ParseStrategy = "direct"
	ParsedFenced   ParseStrategy = "fenced"
	ParsedBalanced ParseStrategy = "balanced"
	ParsedGreedy   ParseStrategy = "greedy"
)

// Outcome is a successful analysis plus diagnostics.
type Outcome struct {
	Mode     Mode            `json:"mode"`
	Analysis ProductAnalysis `json:"analysis"`
	ParsedBy ParseStrategy   `json:"parsedBy"`
	// Defaulted lists fields replaced by their default during sanitization.
	Defaulted []string `json:"defaulted,omitempty"`
}
