package tensor

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// WriteInfoTable renders descriptors as an aligned text table, one row per
// tensor.
func WriteInfoTable(w io.Writer, infos []Info) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"NAME", "DATA_TYPE", "LAYOUT", "SHAPE", "SIZE", "BYTES", "STRIDES"})
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("  ")

	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		layout := info.MemoryLayout.String()
		if info.MemoryLayout == LayoutGeneric {
			layout += formatDims(info.MemoryLayoutOrder)
		}
		rows = append(rows, []string{
			info.Name,
			info.DataType.String(),
			layout,
			formatDims(info.Shape),
			fmt.Sprint(info.Size),
			fmt.Sprint(info.SizeInBytes),
			formatDims(info.Strides),
		})
	}
	table.AppendBulk(rows)
	table.Render()
}

func formatDims(dims []uint32) string {
	if len(dims) == 0 {
		return "-"
	}
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
