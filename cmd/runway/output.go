package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/cuemby/runway/pkg/types"
)

var (
	green  = color.New(color.FgGreen).SprintfFunc()
	yellow = color.New(color.FgYellow).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
)

func newTable(out io.Writer, header ...any) table.Writer {
	ta := table.NewWriter()
	ta.SetOutputMirror(out)
	options := table.OptionsDefault
	options.DrawBorder = false
	options.SeparateColumns = false
	options.SeparateRows = false
	options.SeparateHeader = false
	ta.Style().Options = options
	ta.AppendHeader(table.Row(header))
	return ta
}

func colorStatus(s types.ClusterStatus) string {
	switch s {
	case types.StatusRunning:
		return green("%s", s)
	case types.StatusProvisioning, types.StatusStopping:
		return yellow("%s", s)
	case types.StatusTerminated:
		return red("%s", s)
	default:
		return string(s)
	}
}

// startSpinner shows progress on stderr; the returned func stops it
func startSpinner(suffix string) func() {
	sp := spinner.New(spinner.CharSets[11], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	sp.Suffix = " " + suffix
	sp.Start()
	return sp.Stop
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
