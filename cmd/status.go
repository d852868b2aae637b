package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/serialmon/internal/models"
	"github.com/joescharf/serialmon/internal/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sessions, port locks and health from the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusRun(fmt.Sprintf("http://localhost:%d", viper.GetInt("serve.port")))
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func getJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func statusRun(base string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	var sessions []models.SessionInfo
	if err := getJSON(client, base+"/api/v1/sessions", &sessions); err != nil {
		return fmt.Errorf("serialmon server not reachable (start it with 'serialmon serve start'): %w", err)
	}
	var locks []models.PortLockState
	if err := getJSON(client, base+"/api/v1/locks", &locks); err != nil {
		return err
	}
	var health []models.HealthStatus
	if err := getJSON(client, base+"/api/v1/health", &health); err != nil {
		return err
	}

	if len(sessions) == 0 {
		ui.Info("No active sessions")
	} else {
		table := ui.Table([]string{"PORT", "TOKEN", "BAUD", "STATE", "LINES", "UPTIME", "LAST LINE"})
		for _, s := range sessions {
			rate := s.RequestedBaud
			if s.NegotiatedBaud != 0 {
				rate = s.NegotiatedBaud
			}
			table.Append([]string{
				s.Port,
				s.Token,
				fmt.Sprintf("%d", rate),
				string(s.State),
				fmt.Sprintf("%d", s.LineCount),
				output.Duration(time.Since(s.StartedAt)),
				truncate(s.LastLine, 40),
			})
		}
		table.Render()
	}

	if len(locks) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"PORT", "LOCK", "OWNER", "IDLE", "ERROR"})
		for _, l := range locks {
			table.Append([]string{
				l.Port,
				output.LockColor(l.Status),
				l.Owner,
				output.Duration(time.Since(l.LastActivity)),
				l.Error,
			})
		}
		table.Render()
	}

	if len(health) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"PORT", "HEALTH", "REBOOTS", "RECENT", "AVG UPTIME", "SUGGESTION"})
		for _, h := range health {
			table.Append([]string{
				h.Port,
				output.HealthColor(h.Status),
				fmt.Sprintf("%d", h.TotalReboots),
				fmt.Sprintf("%d", h.RecentReboots),
				output.Duration(h.AverageUptime),
				h.Suggestion,
			})
		}
		table.Render()
	}
	return nil
}
