package analysis

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Defaults applied when a field is missing or outside its domain.
const (
	DefaultProductName = "Producto no identificado"
	DefaultProductType = ProductOther
	DefaultGrade       = GradeC
	DefaultHealthScore = 50
	DefaultRiskLevel   = RiskModerate
	DefaultSummary     = "Análisis de seguridad del producto completado utilizando inteligencia artificial avanzada EFFATA."

	minSummaryLen = 10
)

var (
	DefaultIngredients = []string{"Ingredientes no detectados"}
	DefaultWarnings    = []string{"No se pudieron identificar advertencias específicas"}
	DefaultBenefits    = []string{"Consulte con un profesional sanitario para obtener más información"}
)

// Sanitize coerces every field independently. It returns the wire names of the fields
// that fell back to a default. Sanitizing an already valid record changes nothing.
func Sanitize(raw map[string]any) (ProductAnalysis, []string) {
	var (
		out       ProductAnalysis
		defaulted []string
	)
	mark := func(field string) { defaulted = append(defaulted, field) }

	if list, ok := stringList(raw[FieldIngredients]); ok && len(list) > 0 {
		out.Ingredients = list
	} else {
		out.Ingredients = cloneStrings(DefaultIngredients)
		mark(FieldIngredients)
	}

	if s, ok := nonBlank(raw[FieldProductName]); ok {
		out.ProductName = s
	} else {
		out.ProductName = DefaultProductName
		mark(FieldProductName)
	}

	if v, present := raw[FieldBarcode]; present && v != nil {
		if s, ok := nonBlank(v); ok {
			out.Barcode = s
		} else if _, isString := v.(string); !isString {
			mark(FieldBarcode)
		}
	}

	if pt, ok := matchEnum(raw[FieldProductType], productTypes); ok {
		out.ProductType = pt
	} else {
		out.ProductType = DefaultProductType
		mark(FieldProductType)
	}

	if g, ok := matchEnum(raw[FieldGrade], grades); ok {
		out.Grade = g
	} else {
		out.Grade = DefaultGrade
		mark(FieldGrade)
	}

	if n, ok := score(raw[FieldHealthScore]); ok {
		out.HealthScore = n
	} else {
		out.HealthScore = DefaultHealthScore
		mark(FieldHealthScore)
	}

	if r, ok := matchEnum(raw[FieldRiskLevel], riskLevels); ok {
		out.RiskLevel = r
	} else {
		out.RiskLevel = DefaultRiskLevel
		mark(FieldRiskLevel)
	}

	if s, ok := nonBlank(raw[FieldSummary]); ok && utf8.RuneCountInString(s) > minSummaryLen {
		out.Summary = s
	} else {
		out.Summary = DefaultSummary
		mark(FieldSummary)
	}

	// An empty list is a legitimate answer here.
	if list, ok := stringList(raw[FieldWarnings]); ok {
		out.Warnings = list
	} else {
		out.Warnings = cloneStrings(DefaultWarnings)
		mark(FieldWarnings)
	}
	if list, ok := stringList(raw[FieldBenefits]); ok {
		out.Benefits = list
	} else {
		out.Benefits = cloneStrings(DefaultBenefits)
		mark(FieldBenefits)
	}

	return out, defaulted
}

// Normalize runs an already typed record through Sanitize.
func Normalize(a ProductAnalysis) (ProductAnalysis, []string) {
	b, err := json.Marshal(a)
	if err != nil {
		return Sanitize(nil)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return Sanitize(nil)
	}
	return Sanitize(raw)
}

func nonBlank(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// stringList keeps the non-blank string items of a JSON array.
func stringList(v any) ([]string, bool) {
	arr, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := nonBlank(item); ok {
			out = append(out, s)
		}
	}
	return out, true
}

func matchEnum[T ~string](v any, allowed []T) (T, bool) {
	s, ok := nonBlank(v)
	if !ok {
		var zero T
		return zero, false
	}
	for _, a := range allowed {
		if strings.EqualFold(s, string(a)) {
			return a, true
		}
	}
	var zero T
	return zero, false
}

// score accepts numbers and numeric strings, rounds and clamps to [0,100].
func score(v any) (int, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case json.Number:
		p, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = p
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	f = math.Round(f)
	return int(math.Max(0, math.Min(100, f))), true
}

func cloneStrings(s []string) []string {
	return append([]string(nil), s...)
}
