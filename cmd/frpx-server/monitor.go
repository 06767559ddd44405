package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sxhxliang/frpx/internal/api"
)

// monitorClient is the payload shape of GET /api/monitoring entries.
type monitorClient struct {
	ClientID        string    `json:"client_id"`
	Hostname        string    `json:"hostname"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	SystemInfo      *struct {
		CPUPercent  float64 `json:"cpu_percent"`
		MemPercent  float64 `json:"mem_percent"`
		DiskPercent float64 `json:"disk_percent"`
	} `json:"system_info"`
}

// runMonitor queries a running server's observability API and prints one
// fleet status table. It is a client mode: the server being monitored is
// whichever one listens on --api-port.
func runMonitor(cfg *config) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/api/monitoring", cfg.apiPort)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("query %s: %w (is the server running?)", url, err)
	}
	defer resp.Body.Close()

	var envelope api.Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode monitoring response: %w", err)
	}
	if !envelope.Success {
		return fmt.Errorf("monitoring request failed: %s", envelope.Message)
	}

	raw, err := json.Marshal(envelope.Data)
	if err != nil {
		return fmt.Errorf("re-encode monitoring data: %w", err)
	}
	var data struct {
		Monitoring []monitorClient `json:"monitoring"`
		Total      int             `json:"total"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode monitoring data: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CLIENT ID\tHOSTNAME\tCPU%\tMEM%\tDISK%\tHEARTBEAT AGE")
	for _, c := range data.Monitoring {
		cpu, mem, disk := "-", "-", "-"
		if si := c.SystemInfo; si != nil {
			cpu = fmt.Sprintf("%.1f", si.CPUPercent)
			mem = fmt.Sprintf("%.1f", si.MemPercent)
			disk = fmt.Sprintf("%.1f", si.DiskPercent)
		}
		age := "-"
		if !c.LastHeartbeatAt.IsZero() {
			age = time.Since(c.LastHeartbeatAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", c.ClientID, c.Hostname, cpu, mem, disk, age)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d client(s) connected\n", data.Total)
	return nil
}
