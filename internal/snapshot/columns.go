// Package snapshot turns a delinquent-clients export into canonical records.
//
// Exports come from different tools and nobody agrees on the header names:
// "Número de cliente", "NUM. CLIENTE", "nº cliente", "Nombre", "Nombre de venta",
// "Teléfono móvil"... Column resolution is therefore a pure function from a
// header list to a ColumnMap, driven by the keyword table below. It knows
// nothing about the ledger and is tested against header variants on its own.
package snapshot

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Field is a canonical column of a snapshot row.
type Field int

const (
	FieldClientID Field = iota
	FieldFirstName
	FieldLastName
	FieldEmail
	FieldPhone
	FieldIncidentCount
)

func (f Field) String() string {
	switch f {
	case FieldClientID:
		return "client_id"
	case FieldFirstName:
		return "first_name"
	case FieldLastName:
		return "last_name"
	case FieldEmail:
		return "email"
	case FieldPhone:
		return "phone"
	case FieldIncidentCount:
		return "incident_count"
	}
	return "unknown"
}

// ColumnMap maps a canonical field to its column index. Missing fields are
// absent from the map.
type ColumnMap map[Field]int

// Index returns the column of f and whether it was resolved.
func (m ColumnMap) Index(f Field) (int, bool) {
	i, ok := m[f]
	return i, ok
}

// rule describes how a header is recognised as a field.
//
// A header matches when it contains every keyword of at least one group.
// Headers containing any of the qualifiers only match when no unqualified
// candidate exists, so "NOMBRE" beats "NOMBRE DE VENTA". With strict set, a
// qualified header never matches.
type rule struct {
	field      Field
	groups     [][]string
	qualifiers []string
	strict     bool
}

// Resolution order matters: a column claimed by an earlier rule is not offered
// to later ones ("NUMERO DE CLIENTE" must not become the incident column).
var rules = []rule{
	{
		field: FieldClientID,
		groups: [][]string{
			{"NUMERO", "CLIENTE"},
			{"NUM", "CLIENTE"},
			{"ID", "CLIENTE"},
			{"CODIGO", "CLIENTE"},
			{"NO", "CLIENTE"},
			{"N", "CLIENTE"},
		},
	},
	{
		field:      FieldIncidentCount,
		groups:     [][]string{{"INCIDEN"}, {"IMPAGO"}, {"RECIBOS", "PENDIENTES"}},
		qualifiers: []string{"FECHA", "IMPORTE", "TIPO", "MOTIVO", "DESCRIPCION", "ESTADO"},
		// "Importe impago" is an amount; reading it as a count is worse than
		// the default of one incident.
		strict: true,
	},
	{
		field:      FieldFirstName,
		groups:     [][]string{{"NOMBRE"}},
		qualifiers: []string{"VENTA", "PRODUCTO", "PLAN", "CUOTA", "TARIFA", "EMPRESA", "SERVICIO", "CONTACTO", "COMPLETO", "CENTRO", "APELLIDO"},
	},
	{
		field:  FieldLastName,
		groups: [][]string{{"APELLIDO"}},
	},
	{
		field:      FieldEmail,
		groups:     [][]string{{"EMAIL"}, {"E", "MAIL"}, {"CORREO"}, {"MAIL"}},
		qualifiers: []string{"CONTACTO", "EMPRESA"},
	},
	{
		field:      FieldPhone,
		groups:     [][]string{{"TELEFONO"}, {"MOVIL"}, {"CELULAR"}, {"PHONE"}, {"TLF"}, {"TFNO"}},
		qualifiers: []string{"CONTACTO", "EMPRESA", "FIJO"},
	},
}

// ResolveColumns picks the best column for every field it can find.
func ResolveColumns(header []string) ColumnMap {
	normalized := make([][]string, len(header))
	for i, h := range header {
		normalized[i] = strings.Fields(NormalizeHeader(h))
	}

	cols := ColumnMap{}
	taken := make(map[int]bool, len(header))

	for _, r := range rules {
		best, bestScore := -1, 0
		for i, words := range normalized {
			if taken[i] || len(words) == 0 {
				continue
			}
			score := r.score(words)
			if score > bestScore {
				best, bestScore = i, score
			}
		}
		if best >= 0 {
			cols[r.field] = best
			taken[best] = true
		}
	}
	return cols
}

// score ranks how well a header's words match the rule: 0 means no match,
// 3 an exact single-keyword header, 2 an unqualified match, 1 a qualified one.
// Ties keep the leftmost column.
func (r rule) score(words []string) int {
	matched := false
	for _, g := range r.groups {
		if containsAll(words, g) {
			matched = true
			break
		}
	}
	if !matched {
		return 0
	}
	for _, q := range r.qualifiers {
		if containsWord(words, q) {
			if r.strict {
				return 0
			}
			return 1
		}
	}
	if len(words) == 1 {
		return 3
	}
	return 2
}

func containsAll(words, keywords []string) bool {
	for _, k := range keywords {
		if !containsWord(words, k) {
			return false
		}
	}
	return true
}

// containsWord matches whole words, or substrings of a word for keywords of
// four letters or more ("INCIDEN" matches "INCIDENTES", "CLIENTE" matches
// "NUMEROCLIENTE"). Short keywords such as "N" or "ID" must match exactly.
func containsWord(words []string, keyword string) bool {
	for _, w := range words {
		if w == keyword {
			return true
		}
		if len(keyword) >= 4 && strings.Contains(w, keyword) {
			return true
		}
	}
	return false
}

// NormalizeHeader upper-cases, strips accents and replaces every run of
// non-alphanumeric characters with a single space: "Nº de Teléfono" becomes
// "NO DE TELEFONO".
func NormalizeHeader(s string) string {
	folded, _, err := transform.String(accentFolder(), s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	space := true
	for _, r := range strings.ToUpper(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// accentFolder decomposes characters (compatibility form, so "º" becomes "o")
// and drops the combining marks. A new transformer per call: transform.Chain
// keeps internal state.
func accentFolder() transform.Transformer {
	return transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}
