package telemetry

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// CSVHeader is the fixed export column order.
var CSVHeader = []string{
	"时间戳", "时间",
	"1区温度", "2区温度", "3区温度", "4区温度",
	"1区功率", "2区功率", "3区功率", "4区功率",
	"工艺温度",
	"工件1编号", "工件2编号", "工件3编号",
}

// TimeLayout formats the human-readable time column.
const TimeLayout = "2006/1/2 15:04:05"

// CSVRecord renders r as one export row. Absent values become empty cells; a
// present zero stays "0".
func CSVRecord(r Reading, loc *time.Location) []string {
	if loc == nil {
		loc = time.Local
	}
	f := r.Payload.Fields()
	row := make([]string, 0, len(CSVHeader))
	row = append(row,
		strconv.FormatInt(r.Timestamp, 10),
		time.UnixMilli(r.Timestamp).In(loc).Format(TimeLayout),
	)
	for _, v := range f.Temperatures {
		row = append(row, formatNumber(v))
	}
	for _, v := range f.Powers {
		row = append(row, formatNumber(v))
	}
	row = append(row, formatNumber(f.ProcessTemp))
	for _, v := range f.WorkItems {
		if v == nil {
			row = append(row, "")
			continue
		}
		row = append(row, *v)
	}
	return row
}

// WriteCSV writes the header followed by one row per reading.
func WriteCSV(w io.Writer, readings []Reading, loc *time.Location) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range readings {
		if err := cw.Write(CSVRecord(r, loc)); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatNumber(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
