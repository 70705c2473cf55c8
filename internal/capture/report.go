package capture

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"apilogger/internal/monitor"
)

// GenerateReport renders the current metrics as a plain-text table.
func (p *Pipeline) GenerateReport() string {
	return FormatReport(p.Metrics())
}

// FormatReport renders m as a plain-text table followed by any warnings.
func FormatReport(m Metrics) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.SetTitle("Capture pipeline")
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignRight},
	})
	tw.AppendHeader(table.Row{"Metric", "Value"})

	target := "no"
	if m.MeetsTarget {
		target = "yes"
	}
	tw.AppendRows([]table.Row{
		{"Requests captured", humanize.Comma(m.Requests)},
		{"Streaming responses", humanize.Comma(m.Outcomes[monitor.OutcomeStreaming])},
		{"Non-streaming responses", humanize.Comma(m.Outcomes[monitor.OutcomeNonStreaming])},
		{"Failed calls", humanize.Comma(m.Outcomes[monitor.OutcomeFailed])},
		{"Dropped captures", humanize.Comma(m.Outcomes[monitor.OutcomeDropped])},
		{"Orphaned requests", humanize.Comma(m.Outcomes[monitor.OutcomeOrphaned])},
	})
	tw.AppendSeparator()
	tw.AppendRows([]table.Row{
		{"Interceptor latency (avg)", m.Average.String()},
		{"Interceptor latency (min / max)", fmt.Sprintf("%s / %s", m.Min, m.Max)},
		{"Samples in window", humanize.Comma(int64(m.WindowSize))},
		{"Meets " + monitor.Target.String() + " target", target},
	})
	tw.AppendSeparator()
	tw.AppendRows([]table.Row{
		{"Queue size", humanize.Comma(int64(m.QueueSize))},
		{"Processed in background", humanize.Comma(m.Processed)},
		{"Processing errors", humanize.Comma(m.ProcessingErrors)},
		{"Processing time (avg)", m.ProcessingAverage.String()},
		{"Write buffer utilization", fmt.Sprintf("%.0f%%", m.BufferUtilization*100)},
		{"Records flushed", humanize.Comma(m.Writer.Flushed)},
		{"Storage failures", humanize.Comma(m.Writer.Failures)},
		{"Records lost", humanize.Comma(m.Writer.Lost)},
	})
	tw.AppendSeparator()
	tw.AppendRows([]table.Row{
		{"Buffer pool held", humanize.IBytes(uint64(m.Pool.PooledBytes)) + " of " + humanize.IBytes(uint64(m.Pool.MaxBytes))},
		{"Buffer pool reuse", fmt.Sprintf("%.1f%%", m.Pool.ReuseRate()*100)},
		{"Heap in use", humanize.IBytes(m.HeapAlloc)},
	})

	var sb strings.Builder
	sb.WriteString(tw.Render())
	sb.WriteByte('\n')
	if len(m.Warnings) == 0 {
		sb.WriteString("Status: healthy\n")
		return sb.String()
	}
	sb.WriteString("Warnings:\n")
	for _, w := range m.Warnings {
		sb.WriteString("  - ")
		sb.WriteString(w)
		sb.WriteByte('\n')
	}
	return sb.String()
}
