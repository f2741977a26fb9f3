// Package processor aligns per-exchange tables into one cross-exchange table.
package processor

import (
	"sort"
	"strconv"
	"strings"

	"ratesflow/internal/executor"
	"ratesflow/internal/model"
	"ratesflow/logger"
)

// Merge full-outer-joins one table per exchange on (time, keyColumns...).
//
// A table with a single value column contributes a column named after its
// exchange; wider tables contribute "<column>_<exchange>". Exchanges are laid
// out in sorted order. Cells an exchange has no row for are missing (NaN).
// A repeated key inside one input keeps its first row.
func Merge(keyColumns []string, tables map[string]model.Table) (model.Table, error) {
	exchanges := make([]string, 0, len(tables))
	for ex := range tables {
		exchanges = append(exchanges, ex)
	}
	sort.Strings(exchanges)

	out := model.Table{KeyColumns: append([]string(nil), keyColumns...)}
	offsets := make(map[string]int, len(exchanges))
	for _, ex := range exchanges {
		t := tables[ex]
		if err := checkKeys(keyColumns, t, ex); err != nil {
			return model.Table{}, err
		}
		offsets[ex] = len(out.ValueColumns)
		if len(t.ValueColumns) == 1 {
			out.ValueColumns = append(out.ValueColumns, ex)
			continue
		}
		for _, c := range t.ValueColumns {
			out.ValueColumns = append(out.ValueColumns, c+"_"+ex)
		}
	}

	j := newJoin(len(out.ValueColumns))
	for _, ex := range exchanges {
		t := tables[ex]
		seen := make(map[string]struct{}, len(t.Rows))
		for _, r := range t.Rows {
			id := r.ID()
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			row := j.row(r)
			for i, v := range r.Values {
				if i < len(t.ValueColumns) {
					row.Values[offsets[ex]+i] = v
				}
			}
		}
	}
	out.Rows = j.rows
	out.SortRows()

	logger.GetLogger().WithComponent("reconciler").WithFields(logger.Fields{
		"exchanges": strings.Join(exchanges, ","),
		"rows":      len(out.Rows),
		"columns":   len(out.ValueColumns),
	}).Debug("merged exchange tables")
	return out, nil
}

// Union outer-joins tables that are already aligned. Columns are the union of
// the inputs' columns in first-seen order; rows sharing a key collapse, each
// cell keeping the first non-missing value. Union(t, t) equals t.
func Union(tables ...model.Table) (model.Table, error) {
	var out model.Table
	for _, t := range tables {
		if len(t.KeyColumns) > 0 {
			out.KeyColumns = append([]string(nil), t.KeyColumns...)
			break
		}
	}
	index := make(map[string]int)
	for i, t := range tables {
		if err := checkKeys(out.KeyColumns, t, "input "+strconv.Itoa(i)); err != nil {
			return model.Table{}, err
		}
		for _, c := range t.ValueColumns {
			if _, ok := index[c]; !ok {
				index[c] = len(out.ValueColumns)
				out.ValueColumns = append(out.ValueColumns, c)
			}
		}
	}

	j := newJoin(len(out.ValueColumns))
	for _, t := range tables {
		for _, r := range t.Rows {
			row := j.row(r)
			for i, v := range r.Values {
				if i >= len(t.ValueColumns) || model.IsMissing(v) {
					continue
				}
				col := index[t.ValueColumns[i]]
				if model.IsMissing(row.Values[col]) {
					row.Values[col] = v
				}
			}
		}
	}
	out.Rows = j.rows
	out.SortRows()
	return out, nil
}

// checkKeys accepts a table with the wanted key columns, or a keyless table
// without rows (an exchange that returned nothing).
func checkKeys(want []string, t model.Table, name string) error {
	if len(t.KeyColumns) == 0 && len(t.Rows) == 0 {
		return nil
	}
	if len(t.KeyColumns) != len(want) {
		return executor.Contractf("%s: key columns %v, want %v", name, t.KeyColumns, want)
	}
	for i := range want {
		if t.KeyColumns[i] != want[i] {
			return executor.Contractf("%s: key columns %v, want %v", name, t.KeyColumns, want)
		}
	}
	for _, r := range t.Rows {
		if len(r.Keys) != len(want) {
			return executor.Contractf("%s: row at %s has %d keys, want %d", name, r.Time, len(r.Keys), len(want))
		}
	}
	return nil
}

// join accumulates output rows by key, each starting with every cell missing.
type join struct {
	width int
	byID  map[string]int
	rows  []model.Row
}

func newJoin(width int) *join {
	return &join{width: width, byID: make(map[string]int)}
}

func (j *join) row(r model.Row) *model.Row {
	id := r.ID()
	if i, ok := j.byID[id]; ok {
		return &j.rows[i]
	}
	values := make([]float64, j.width)
	for i := range values {
		values[i] = model.Missing()
	}
	j.byID[id] = len(j.rows)
	j.rows = append(j.rows, model.Row{Time: r.Time.UTC(), Keys: append([]string(nil), r.Keys...), Values: values})
	return &j.rows[len(j.rows)-1]
}
