package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/sftpvol/sftpvol/pkg/events"
)

var (
	connectedColor    = color.New(color.FgGreen, color.Bold)
	reconnectingColor = color.New(color.FgYellow)
	dimColor          = color.New(color.Faint)
)

func setupColor(noColor bool) {
	fd := os.Stderr.Fd()
	color.NoColor = noColor || (!isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd))
}

// formatEvent renders a state notification as one terminal line.
func formatEvent(e events.Event) string {
	ts := dimColor.Sprint(time.Unix(e.Timestamp, 0).Format("15:04:05"))
	name := e.Volume
	if name == "" {
		name = e.MountID
	}

	switch e.Type {
	case events.EventConnected:
		return fmt.Sprintf("%s %s %s", ts, name, connectedColor.Sprint("connected"))
	case events.EventReconnecting:
		line := fmt.Sprintf("%s %s %s", ts, name, reconnectingColor.Sprint("reconnecting"))
		if e.Reason != "" {
			line += fmt.Sprintf(" (%s)", e.Reason)
		}
		if e.Delay > 0 {
			line += fmt.Sprintf(", next attempt in %s", e.Delay.Round(100*time.Millisecond))
		}
		if e.Attempt > 0 {
			line += fmt.Sprintf(", attempt %d", e.Attempt)
		}
		return line
	default:
		return fmt.Sprintf("%s %s %s", ts, name, e.Type)
	}
}

// printEvents writes every notification from ch to w until ch is closed.
func printEvents(w io.Writer, ch <-chan events.Event) {
	for e := range ch {
		fmt.Fprintln(w, formatEvent(e))
	}
}
