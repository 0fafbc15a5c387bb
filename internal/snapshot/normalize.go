package snapshot

import (
	"math"
	"strconv"
	"strings"

	"github.com/ttacon/libphonenumber"

	"github.com/sakif/frontdesk/internal/model"
)

// DefaultPhoneRegion is used to read phone numbers written without a country
// prefix.
const DefaultPhoneRegion = "ES"

// Table is a raw tabular export: one header row and the data rows below it.
// Rows may be shorter than the header; missing cells read as blank.
type Table struct {
	Header []string
	Rows   [][]string
}

// Normalizer converts tables into canonical debtor records.
type Normalizer struct {
	// PhoneRegion is the ISO 3166 region used to parse local phone numbers.
	PhoneRegion string
}

// NewNormalizer returns a Normalizer for the given phone region, falling
// back to DefaultPhoneRegion when region is empty.
func NewNormalizer(region string) *Normalizer {
	region = strings.ToUpper(strings.TrimSpace(region))
	if region == "" {
		region = DefaultPhoneRegion
	}
	return &Normalizer{PhoneRegion: region}
}

// Normalize returns one record per row that carries a client id, in input
// order. It never fails: unparsable incident counts become 1, and a table
// without any recognisable client id column yields an empty slice.
//
// dir may be nil. When set, a blank name or contact cell is filled from the
// roster entry of the same client, field by field.
func (n *Normalizer) Normalize(t Table, dir model.Directory) []model.CanonicalRecord {
	cols := ResolveColumns(t.Header)
	idCol, ok := cols.Index(FieldClientID)
	if !ok {
		return []model.CanonicalRecord{}
	}

	records := make([]model.CanonicalRecord, 0, len(t.Rows))
	for _, row := range t.Rows {
		clientID := cleanClientID(cell(row, idCol))
		if clientID == "" {
			continue
		}

		rec := model.CanonicalRecord{
			ClientID:      clientID,
			FirstName:     cellOf(row, cols, FieldFirstName),
			LastName:      cellOf(row, cols, FieldLastName),
			Email:         cellOf(row, cols, FieldEmail),
			Phone:         cellOf(row, cols, FieldPhone),
			IncidentCount: parseIncidentCount(cellOf(row, cols, FieldIncidentCount)),
		}

		if entry, found := dir[clientID]; found {
			rec.FirstName = fallback(rec.FirstName, entry.FirstName)
			rec.LastName = fallback(rec.LastName, entry.LastName)
			rec.Email = fallback(rec.Email, entry.Email)
			rec.Phone = fallback(rec.Phone, entry.Phone)
		}

		rec.Email = strings.ToLower(rec.Email)
		rec.Phone = n.canonicalPhone(rec.Phone)
		records = append(records, rec)
	}
	return records
}

// LoadDirectory builds a roster lookup from a client-list export, using the
// same header resolution as Normalize. Later rows win over earlier ones.
func (n *Normalizer) LoadDirectory(t Table) model.Directory {
	dir := model.Directory{}
	cols := ResolveColumns(t.Header)
	idCol, ok := cols.Index(FieldClientID)
	if !ok {
		return dir
	}
	for _, row := range t.Rows {
		clientID := cleanClientID(cell(row, idCol))
		if clientID == "" {
			continue
		}
		dir[clientID] = model.DirectoryEntry{
			FirstName: cellOf(row, cols, FieldFirstName),
			LastName:  cellOf(row, cols, FieldLastName),
			Email:     cellOf(row, cols, FieldEmail),
			Phone:     cellOf(row, cols, FieldPhone),
		}
	}
	return dir
}

// canonicalPhone formats valid numbers as E.164 and leaves anything else as
// the operator typed it; a wrong guess here would lose a usable number.
func (n *Normalizer) canonicalPhone(raw string) string {
	if raw == "" {
		return ""
	}
	num, err := libphonenumber.Parse(raw, n.PhoneRegion)
	if err != nil || !libphonenumber.IsValidNumber(num) {
		return raw
	}
	return libphonenumber.Format(num, libphonenumber.E164)
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func cellOf(row []string, cols ColumnMap, f Field) string {
	i, ok := cols.Index(f)
	if !ok {
		return ""
	}
	return cell(row, i)
}

func fallback(v, def string) string {
	if v != "" {
		return v
	}
	return strings.TrimSpace(def)
}

// cleanClientID drops the ".0" spreadsheets append to numeric ids.
func cleanClientID(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, ".0") {
		if _, err := strconv.Atoi(strings.TrimSuffix(s, ".0")); err == nil {
			return strings.TrimSuffix(s, ".0")
		}
	}
	return s
}

// parseIncidentCount reads "2", " 2 ", "2.0" and "2,0". Anything else,
// including fractions and values below one, counts as a single incident: a
// row in the export is at least one unpaid invoice.
func parseIncidentCount(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 1
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 1 {
			return 1
		}
		return n
	}
	f, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 1 || f > math.MaxInt32 || f != math.Trunc(f) {
		return 1
	}
	return int(f)
}
