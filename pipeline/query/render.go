package query

import (
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fleet-telemetry/pipeline/ingest"
)

// RenderTable renders at most maxRows rows as a fixed-width text table with a
// leading row index. Columns that are null in every rendered row are left out.
func RenderTable(t *ingest.Table, maxRows int) string {
	if t == nil || t.NumRows() == 0 {
		return "Empty table: no telemetry rows matched the filters."
	}

	n := t.NumRows()
	if maxRows > 0 && n > maxRows {
		n = maxRows
	}

	var cols []string
	for _, name := range t.ColumnNames() {
		arr, _ := t.Column(name)
		for i := 0; i < n; i++ {
			if arr.IsValid(i) {
				cols = append(cols, name)
				break
			}
		}
	}

	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', tabwriter.AlignRight)

	w.Write([]byte("\t" + strings.Join(cols, "\t") + "\t\n"))
	for i := 0; i < n; i++ {
		row := make([]string, 0, len(cols)+1)
		row = append(row, strconv.Itoa(i))
		for _, c := range cols {
			row = append(row, t.ValueString(c, i))
		}
		w.Write([]byte(strings.Join(row, "\t") + "\t\n"))
	}
	w.Flush()

	out := strings.TrimRight(b.String(), "\n")
	if t.NumRows() > n {
		out += "\n[" + strconv.Itoa(t.NumRows()) + " rows total, showing first " + strconv.Itoa(n) + "]"
	}
	return out
}
