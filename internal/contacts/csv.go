package contacts

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Columns names the CSV header cells holding each field. Lookups are
// case-insensitive. Name may list several candidates; the first present wins.
type Columns struct {
	Area1   string
	Number1 string
	Area2   string
	Number2 string
	Name    []string
}

// DefaultColumns matches the exports the tool was first used with.
func DefaultColumns() Columns {
	return Columns{
		Area1:   "ddd1",
		Number1: "telefone1",
		Area2:   "ddd2",
		Number2: "telefone2",
		Name:    []string{"nome", "name"},
	}
}

// ReadFile loads every data row from a CSV file with a header line.
func ReadFile(path string, cols Columns) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrInput, path, err)
	}
	defer f.Close()
	rows, err := Read(f, cols)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

// Read parses CSV from r. Values are trimmed; blank lines are skipped.
// A missing header, a header without the first phone pair, or zero data rows
// is an ErrInput.
func Read(r io.Reader, cols Columns) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = false

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty file", ErrInput)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrInput, err)
	}
	idx := indexHeader(header)

	a1, ok1 := idx[strings.ToLower(cols.Area1)]
	n1, ok2 := idx[strings.ToLower(cols.Number1)]
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: header must contain %q and %q", ErrInput, cols.Area1, cols.Number1)
	}
	a2, hasA2 := idx[strings.ToLower(cols.Area2)]
	n2, hasN2 := idx[strings.ToLower(cols.Number2)]
	nameIdx := -1
	for _, c := range cols.Name {
		if i, ok := idx[strings.ToLower(c)]; ok {
			nameIdx = i
			break
		}
	}

	var rows []Row
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInput, line, err)
		}
		row := Row{
			Line:    line,
			Area1:   cell(rec, a1),
			Number1: cell(rec, n1),
		}
		if hasA2 && hasN2 {
			row.Area2 = cell(rec, a2)
			row.Number2 = cell(rec, n2)
		}
		if nameIdx >= 0 {
			row.Name = cell(rec, nameIdx)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no data rows", ErrInput)
	}
	return rows, nil
}

func indexHeader(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := idx[h]; !dup {
			idx[h] = i
		}
	}
	return idx
}

func cell(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}
