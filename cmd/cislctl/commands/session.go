package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

// sessionView mirrors statusapi's wire representation of a Session Table
// entry. Duplicated here rather than imported, since a CLI client should
// not depend on the daemon's internal packages, only on its HTTP contract.
type sessionView struct {
	Number       uint16 `json:"session_number"`
	State        string `json:"state"`
	ResourceID   string `json:"resource_id"`
	SlotID       uint8  `json:"slot_id"`
	ConnectionID uint8  `json:"connection_id"`
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect Session Table entries",
	}

	cmd.AddCommand(sessionListCmd())
	cmd.AddCommand(sessionShowCmd())

	return cmd
}

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all sessions in the Session Table",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var views []sessionView
			if err := getJSON("/sessions", &views); err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			out, err := formatSessions(views, outputFormat)
			if err != nil {
				return fmt.Errorf("format sessions: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-number>",
		Short: "Show a single session by number",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var view sessionView
			if err := getJSON("/sessions/"+args[0], &view); err != nil {
				return fmt.Errorf("get session: %w", err)
			}

			out, err := formatSession(view, outputFormat)
			if err != nil {
				return fmt.Errorf("format session: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}

// statsView mirrors session.Stats.
type statsView struct {
	Capacity   int `json:"capacity"`
	InCreation int `json:"in_creation"`
	Active     int `json:"active"`
	InDeletion int `json:"in_deletion"`
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate Session Table counts",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var stats statsView
			if err := getJSON("/stats", &stats); err != nil {
				return fmt.Errorf("get stats: %w", err)
			}

			out, err := formatStats(stats, outputFormat)
			if err != nil {
				return fmt.Errorf("format stats: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}

// getJSON issues a GET request against path on the configured status
// endpoint and decodes the JSON body into v.
func getJSON(path string, v any) error {
	resp, err := httpClient.Get("http://" + serverAddr + path)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}
