package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatSessions renders a slice of sessions in the requested format.
func formatSessions(sessions []sessionView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(sessions)
	case formatTable:
		return formatSessionsTable(sessions), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatSession renders a single session in the requested format.
func formatSession(session sessionView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(session)
	case formatTable:
		return formatSessionsTable([]sessionView{session}), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatSessionsTable(sessions []sessionView) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NUMBER\tSTATE\tRESOURCE-ID\tSLOT\tCONNECTION")

	for _, s := range sessions {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\n",
			s.Number, s.State, s.ResourceID, s.SlotID, s.ConnectionID)
	}

	_ = w.Flush()
	return buf.String()
}

// formatStats renders aggregate Session Table counts in the requested format.
func formatStats(stats statsView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(stats)
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CAPACITY\tIN-CREATION\tACTIVE\tIN-DELETION")
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\n", stats.Capacity, stats.InCreation, stats.Active, stats.InDeletion)
		_ = w.Flush()
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatJSONValue(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(b) + "\n", nil
}
