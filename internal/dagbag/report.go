package dagbag

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

var statHeader = table.Row{
	"File",
	"Duration",
	"DAG Num",
	"Task Num",
	"DAGs",
}

// Report renders the statistics of the last collection pass.
func (b *DagBag) Report() string {
	stats := b.FileStats()

	var (
		dagNum, taskNum int
		total           time.Duration
	)
	statTable := table.NewWriter()
	statTable.AppendHeader(statHeader)
	for _, s := range stats {
		dagNum += s.DAGCount
		taskNum += s.TaskCount
		total += s.Duration
		statTable.AppendRow(table.Row{
			s.File,
			s.Duration.Round(time.Microsecond),
			s.DAGCount,
			s.TaskCount,
			strings.Join(s.DAGIDs, ", "),
		})
	}

	var sb strings.Builder
	rule := strings.Repeat("-", 67)
	fmt.Fprintln(&sb, rule)
	fmt.Fprintf(&sb, "DagBag loading stats for %s\n", b.folder)
	fmt.Fprintln(&sb, rule)
	fmt.Fprintf(&sb, "Number of DAGs: %d\n", dagNum)
	fmt.Fprintf(&sb, "Total task number: %d\n", taskNum)
	fmt.Fprintf(&sb, "DagBag parsing time: %s\n", total.Round(time.Microsecond))
	sb.WriteString(statTable.Render())
	sb.WriteString("\n")
	return sb.String()
}
