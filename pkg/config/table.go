package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Table is a parsed pipe-delimited table. Column names are taken from the
// header row with their "!TYPE:size" suffix removed.
type Table struct {
	Columns []string
	Rows    [][]string

	colIndex map[string]int
}

// ParseTable reads a pipe table. Lines starting with "##" (such as the
// "## seqn" line of patch server responses) and blank lines are skipped.
func ParseTable(r io.Reader) (*Table, error) {
	t := &Table{colIndex: make(map[string]int)}
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "##") {
			continue
		}
		fields := strings.Split(line, "|")
		if t.Columns == nil {
			t.Columns = make([]string, len(fields))
			for i, f := range fields {
				name, _, _ := strings.Cut(f, "!")
				t.Columns[i] = strings.TrimSpace(name)
				t.colIndex[t.Columns[i]] = i
			}
			continue
		}
		if len(fields) != len(t.Columns) {
			return nil, fmt.Errorf("table line %d: %d fields, header has %d", n, len(fields), len(t.Columns))
		}
		t.Rows = append(t.Rows, fields)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading table: %w", err)
	}
	if t.Columns == nil {
		return nil, fmt.Errorf("table has no header row")
	}
	return t, nil
}

// Get returns the value of column in row, or "" if the column is unknown.
func (t *Table) Get(row int, column string) string {
	i, ok := t.colIndex[column]
	if !ok || row < 0 || row >= len(t.Rows) {
		return ""
	}
	return t.Rows[row][i]
}

// Find returns the first row whose column equals value.
func (t *Table) Find(column, value string) (int, bool) {
	i, ok := t.colIndex[column]
	if !ok {
		return 0, false
	}
	for r, row := range t.Rows {
		if row[i] == value {
			return r, true
		}
	}
	return 0, false
}
