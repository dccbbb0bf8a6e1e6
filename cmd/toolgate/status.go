package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolgate/toolgate/pkg/mcp"
	"github.com/toolgate/toolgate/pkg/output"
)

var statusURL string

func init() {
	statusCmd.Flags().StringVar(&statusURL, "url", "http://localhost:8000", "gateway base URL")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

func runStatus() error {
	printer := output.New()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(statusURL + "/api/status")
	if err != nil {
		return fmt.Errorf("reaching gateway at %s: %w", statusURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}

	var status struct {
		Gateway  mcp.ServerInfo     `json:"gateway"`
		Servers  []mcp.InstanceInfo `json:"servers"`
		Sessions int                `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}

	printer.Info("gateway", "name", status.Gateway.Name, "version", status.Gateway.Version, "sessions", status.Sessions)

	rows := make([]output.ServerRow, 0, len(status.Servers))
	for _, s := range status.Servers {
		rows = append(rows, output.ServerRow{
			Name:      s.Name,
			Status:    string(s.Status),
			PID:       s.PID,
			ToolCount: s.ToolCount,
			Owner:     s.Owner,
		})
	}
	printer.ServerTable(rows)
	return nil
}
