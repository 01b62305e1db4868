package telegram

import (
	"fmt"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tragatelo/api/internal/analysis"
)

const (
	maxMessageRunes  = 3900
	maxFieldRunes    = 1500
	shownIngredients = 10
)

type gradeVerdict struct {
	emoji   string
	title   string
	message string
}

var verdicts = map[analysis.Grade]gradeVerdict{
	analysis.GradeA: {"😍", "¡Estupendo, amigo!", "Es excelente"},
	analysis.GradeB: {"😊", "Está muy bien", "Adelante con ello"},
	analysis.GradeC: {"😐", "Regular...", "Considéralo con cuidado"},
	analysis.GradeD: {"😟", "Algo flojo...", "Te recomendamos buscar otra opción"},
	analysis.GradeE: {"🤢", "¡Evítalo!", "Mejor alejarte de esto"},
}

var riskLabels = map[analysis.RiskLevel]string{
	analysis.RiskLow:      "Bajo",
	analysis.RiskModerate: "Moderado",
	analysis.RiskHigh:     "Alto",
	analysis.RiskCritical: "Crítico",
}

var typeLabels = map[analysis.ProductType]string{
	analysis.ProductFood:       "Alimento",
	analysis.ProductMakeup:     "Maquillaje",
	analysis.ProductCream:      "Crema",
	analysis.ProductOil:        "Aceite",
	analysis.ProductToothpaste: "Pasta Dental",
	analysis.ProductOther:      "Otro",
}

var modeLabels = map[analysis.Mode]string{
	analysis.ModeBarcode:     "código de barras",
	analysis.ModeIngredients: "ingredientes",
}

// RenderCard formats an analysis as a legacy-Markdown grade card.
func RenderCard(a analysis.ProductAnalysis) string {
	v, ok := verdicts[a.Grade]
	if !ok {
		v = verdicts[analysis.GradeC]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s · %s*\n%s\n\n", v.emoji, a.Grade, esc(v.title), esc(v.message))

	b.WriteString("*" + field(a.ProductName) + "*\n")
	if a.Barcode != "" {
		b.WriteString("Código: " + esc(a.Barcode) + "\n")
	}
	fmt.Fprintf(&b, "%s · Riesgo %s\n", label(typeLabels, a.ProductType), label(riskLabels, a.RiskLevel))
	fmt.Fprintf(&b, "Puntuación: *%d/100*\n", a.HealthScore)

	b.WriteString("\n*Resumen del Análisis*\n")
	b.WriteString(field(a.Summary) + "\n")

	writeList(&b, "¿Por qué esta calificación?", "⚠️", a.Warnings)
	writeList(&b, "Aspectos Positivos", "✅", a.Benefits)

	if len(a.Ingredients) > 0 {
		b.WriteString("\n*Ingredientes Detectados*\n")
		shown := a.Ingredients
		if len(shown) > shownIngredients {
			shown = shown[:shownIngredients]
		}
		parts := make([]string, len(shown))
		for i, s := range shown {
			parts[i] = field(s)
		}
		b.WriteString(strings.Join(parts, ", "))
		if extra := len(a.Ingredients) - len(shown); extra > 0 {
			fmt.Fprintf(&b, " +%d más", extra)
		}
		b.WriteString("\n")
	}

	return fitLines(strings.TrimRight(b.String(), "\n"), maxMessageRunes)
}

func writeList(b *strings.Builder, title, bullet string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString("\n*" + esc(title) + "*\n")
	for _, it := range items {
		b.WriteString(bullet + " " + field(it) + "\n")
	}
}

func label[K comparable](m map[K]string, k K) string {
	if s, ok := m[k]; ok {
		return s
	}
	return fmt.Sprint(k)
}

// field shortens model text before escaping, so a cut never splits an escape.
func field(s string) string { return esc(truncate(s, maxFieldRunes)) }

// fitLines drops whole lines from the end until s fits in n runes. Every line
// closes its own markup, so the result stays valid Markdown.
func fitLines(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	var b strings.Builder
	used := 0
	for _, line := range strings.Split(s, "\n") {
		// room for the line, its newline and the trailing "…"
		c := utf8.RuneCountInString(line) + 1
		if used+c+1 > n {
			break
		}
		b.WriteString(line + "\n")
		used += c
	}
	return b.String() + "…"
}

// truncate cuts s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// light escaping for legacy Markdown
func esc(s string) string {
	s = strings.ReplaceAll(s, "`", "'")
	s = strings.ReplaceAll(s, "_", "\\_")
	s = strings.ReplaceAll(s, "*", "\\*")
	s = strings.ReplaceAll(s, "[", "\\[")
	return s
}

func modeKeyboard(current analysis.Mode) tgbotapi.InlineKeyboardMarkup {
	btn := func(m analysis.Mode, text string) tgbotapi.InlineKeyboardButton {
		if m == current {
			text = "• " + text
		}
		return tgbotapi.NewInlineKeyboardButtonData(text, cbModePrefix+string(m))
	}
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		btn(analysis.ModeBarcode, "📷 Código de barras"),
		btn(analysis.ModeIngredients, "🧾 Ingredientes"),
	))
}

func resultKeyboard(current analysis.Mode) tgbotapi.InlineKeyboardMarkup {
	kb := modeKeyboard(current)
	kb.InlineKeyboard = append(kb.InlineKeyboard, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("🔄 Reintentar", cbRetry),
	))
	return kb
}

func retryKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("🔄 Reintentar", cbRetry),
		tgbotapi.NewInlineKeyboardButtonData("✖️ Cancelar", cbCancel),
	))
}
