// Package report summarizes a persisted capture log for the command line.
package report

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"apilogger/internal/record"
	"apilogger/storage"
)

// Row is one exchange as shown in the report.
type Row struct {
	RequestID  string
	LoggedAt   time.Time
	Method     string
	URL        string
	Status     string
	Streaming  bool
	Chunks     int
	DurationMS int64
	Bytes      int
	Note       string
}

// Totals aggregates the rows.
type Totals struct {
	Exchanges  int
	Streaming  int
	Orphaned   int
	Failed     int
	Chunks     int
	Bytes      int
	Undecoded  int
	ParseError int
}

// Build decodes entries, reconstructing deferred event streams with the
// given heartbeat types. Entries whose line cannot be decoded are counted and
// skipped.
func Build(entries []storage.Entry, heartbeats []string) ([]Row, Totals) {
	var rows []Row
	var totals Totals
	for _, e := range entries {
		line, err := record.Decode(e.Line)
		if err != nil {
			totals.Undecoded++
			continue
		}
		row := Row{
			RequestID: line.RequestID,
			LoggedAt:  e.LoggedAt,
			Method:    line.Request.Method,
			URL:       line.Request.URL,
			Status:    "-",
			Note:      line.Note,
		}
		if line.Error != "" && row.Note == "" {
			row.Note = line.Error
		}

		switch resp := line.Response; {
		case resp == nil && line.Note == record.NoteOrphaned:
			totals.Orphaned++
		case resp == nil:
			totals.Failed++
		default:
			row.Status = strconv.Itoa(resp.StatusCode)
			row.Streaming = resp.Streaming
			row.Bytes = len(resp.Body)
			if raw := resp.RawBody(); raw != nil {
				row.Bytes = len(raw)
			}
			summary, err := record.Reconstruct(line, heartbeats)
			if err != nil {
				totals.ParseError++
				row.Note = err.Error()
			} else if summary != nil {
				row.Chunks = summary.ChunkCount
				row.DurationMS = summary.TotalDurationMS
			}
		}

		totals.Exchanges++
		if row.Streaming {
			totals.Streaming++
		}
		totals.Chunks += row.Chunks
		totals.Bytes += row.Bytes
		rows = append(rows, row)
	}
	return rows, totals
}

// Options controls rendering.
type Options struct {
	// Terminal selects the rounded box style.
	Terminal bool
	// URLWidth truncates the URL column; zero means 60.
	URLWidth int
	Now      time.Time
}

// Write renders rows and totals as a table.
func Write(w io.Writer, rows []Row, totals Totals, opts Options) {
	if opts.URLWidth <= 0 {
		opts.URLWidth = 60
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	if opts.Terminal {
		tw.SetStyle(table.StyleRounded)
	} else {
		tw.SetStyle(table.StyleLight)
	}
	tw.Style().Options.SeparateHeader = true
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignLeft},
		{Number: 3, Align: text.AlignLeft, WidthMax: opts.URLWidth},
		{Number: 4, Align: text.AlignCenter},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignLeft, WidthMax: 40},
	})
	tw.AppendHeader(table.Row{"Logged", "Method", "URL", "Status", "Chunks", "Duration", "Size", "Note"})

	for _, r := range rows {
		chunks := "-"
		if r.Streaming {
			chunks = strconv.Itoa(r.Chunks)
		}
		tw.AppendRow(table.Row{
			humanize.RelTime(r.LoggedAt, opts.Now, "ago", "from now"),
			r.Method,
			r.URL,
			r.Status,
			chunks,
			(time.Duration(r.DurationMS) * time.Millisecond).String(),
			humanize.Bytes(uint64(r.Bytes)),
			r.Note,
		})
	}
	if len(rows) == 0 {
		tw.AppendRow(table.Row{"-", "-", "(no captures)", "-", "-", "-", "-", "-"})
	}
	tw.AppendFooter(table.Row{
		fmt.Sprintf("%s exchanges", humanize.Comma(int64(totals.Exchanges))),
		"", fmt.Sprintf("%d streaming, %d orphaned, %d failed", totals.Streaming, totals.Orphaned, totals.Failed),
		"", humanize.Comma(int64(totals.Chunks)), "", humanize.Bytes(uint64(totals.Bytes)), "",
	})
	tw.Render()

	if totals.Undecoded > 0 || totals.ParseError > 0 {
		fmt.Fprintf(w, "%d lines could not be decoded, %d streams could not be reconstructed\n", totals.Undecoded, totals.ParseError)
	}
}
