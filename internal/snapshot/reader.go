package snapshot

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrUnsupportedFormat is returned for files that are neither CSV nor XLSX.
var ErrUnsupportedFormat = errors.New("snapshot: unsupported file format")

// ReadFile loads an export from disk. The format is chosen by extension.
func ReadFile(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, fmt.Errorf("snapshot: opening %s: %w", path, err)
	}
	defer f.Close()
	return Read(f, filepath.Base(path))
}

// Read parses an export. name is only used to pick the format: ".xlsx" goes
// through excelize, ".csv" and ".txt" through the CSV reader.
func Read(r io.Reader, name string) (Table, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return readXLSX(r)
	case ".csv", ".txt", "":
		return readCSV(r)
	default:
		return Table{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
}

// readXLSX reads the first sheet.
func readXLSX(r io.Reader) (Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return Table{}, fmt.Errorf("snapshot: opening xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Table{}, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return Table{}, fmt.Errorf("snapshot: reading sheet %q: %w", sheets[0], err)
	}
	return toTable(rows), nil
}

func readCSV(r io.Reader) (Table, error) {
	br := bufio.NewReader(r)
	// Excel writes a UTF-8 BOM in front of "CSV UTF-8" exports.
	if bom, err := br.Peek(3); err == nil && bytes.Equal(bom, []byte{0xEF, 0xBB, 0xBF}) {
		_, _ = br.Discard(3)
	}

	first, err := br.Peek(4096)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return Table{}, fmt.Errorf("snapshot: reading csv: %w", err)
	}

	cr := csv.NewReader(br)
	cr.Comma = sniffDelimiter(first)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	rows, err := cr.ReadAll()
	if err != nil {
		return Table{}, fmt.Errorf("snapshot: parsing csv: %w", err)
	}
	return toTable(rows), nil
}

// sniffDelimiter picks the most frequent of ';', ',' and tab on the header
// line. Spanish-locale Excel exports use ';'.
func sniffDelimiter(sample []byte) rune {
	line := sample
	if i := bytes.IndexByte(sample, '\n'); i >= 0 {
		line = sample[:i]
	}
	best, bestCount := ',', 0
	for _, d := range []rune{';', ',', '\t'} {
		if c := bytes.Count(line, []byte(string(d))); c > bestCount {
			best, bestCount = d, c
		}
	}
	return best
}

// headerScanRows bounds how far toTable looks for a header below title
// banners.
const headerScanRows = 10

// toTable drops blank rows and picks the header: the first row, within the
// first headerScanRows non-blank rows, that has a recognisable client id
// column, otherwise the first non-blank row.
func toTable(rows [][]string) Table {
	var kept [][]string
	for _, row := range rows {
		if !blank(row) {
			kept = append(kept, row)
		}
	}
	if len(kept) == 0 {
		return Table{}
	}

	header := 0
	for i := 0; i < len(kept) && i < headerScanRows; i++ {
		if _, ok := ResolveColumns(kept[i]).Index(FieldClientID); ok {
			header = i
			break
		}
	}
	return Table{Header: kept[header], Rows: kept[header+1:]}
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
