package cmd

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"gopkg.in/yaml.v2"

	"grimm.is/tunnelboard/internal/brand"
	"grimm.is/tunnelboard/internal/lifecycle"
	"grimm.is/tunnelboard/internal/tui"
)

// RunStatus queries a running daemon over its API and prints its entries.
func RunStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	url := fs.String("url", "http://127.0.0.1:8080", "Daemon API base URL")
	password := fs.String("password", os.Getenv(brand.ConfigEnvPrefix+"_PASSWORD"), "Dashboard password, if one is set")
	insecure := fs.Bool("insecure", false, "Skip TLS certificate verification")
	output := fs.String("o", "table", "Output format: table, json or yaml")
	watch := fs.Bool("watch", false, "Live view, refreshed every -interval")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval for -watch")
	debug := fs.String("debug", "", "Write request debug log to this file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	log.SetOutput(io.Discard)
	if *debug != "" {
		f, err := tea.LogToFile(*debug, "status")
		if err != nil {
			return err
		}
		defer f.Close()
	}

	backend := tui.NewRemoteBackend(*url, *insecure)
	if *password != "" {
		if err := backend.Login(*password); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}

	if *watch {
		p := tea.NewProgram(tui.NewModel(backend, *interval), tea.WithAltScreen())
		_, err := p.Run()
		return err
	}

	health, err := backend.GetHealth()
	if err != nil {
		return fmt.Errorf("is the daemon running at %s? %w", *url, err)
	}
	settings, err := backend.GetSettings()
	if err != nil {
		return err
	}
	return writeStatus(os.Stdout, *output, health, settings)
}

// statusReport is the machine-readable status. Keys are never included.
type statusReport struct {
	Daemon       *tui.Health   `json:"daemon" yaml:"daemon"`
	AuthRequired bool          `json:"authRequired" yaml:"auth_required"`
	Servers      []entryReport `json:"servers" yaml:"servers"`
	Clients      []entryReport `json:"clients" yaml:"clients"`
}

type entryReport struct {
	Index   int       `json:"index" yaml:"index"`
	Host    string    `json:"host,omitempty" yaml:"host,omitempty"`
	Port    int       `json:"port" yaml:"port"`
	Secure  bool      `json:"secure,omitempty" yaml:"secure,omitempty"`
	Enabled bool      `json:"enabled" yaml:"enabled"`
	State   string    `json:"state" yaml:"state"`
	Address string    `json:"address,omitempty" yaml:"address,omitempty"`
	Error   string    `json:"error,omitempty" yaml:"error,omitempty"`
	Since   time.Time `json:"since" yaml:"since"`
}

func reportEntries(views []lifecycle.EntryView) []entryReport {
	out := make([]entryReport, len(views))
	for i, v := range views {
		out[i] = entryReport{
			Index:   i,
			Host:    v.Host,
			Port:    v.Port,
			Secure:  v.Secure,
			Enabled: v.Enabled,
			State:   string(v.State),
			Address: v.Address,
			Error:   v.Error,
			Since:   v.Since,
		}
	}
	return out
}

func writeStatus(w io.Writer, format string, health *tui.Health, s *lifecycle.Settings) error {
	report := statusReport{
		Daemon:       health,
		AuthRequired: s.AuthRequired,
		Servers:      reportEntries(s.Servers),
		Clients:      reportEntries(s.Clients),
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		data, err := yaml.Marshal(report)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	case "table", "":
		fmt.Fprintln(w, tui.StyleTitle.Render(fmt.Sprintf("%s %s", health.Name, health.Version))+
			tui.StyleSubtitle.Render(Printer.Sprintf("  up %s, %d entries", health.Uptime, len(s.Servers)+len(s.Clients))))
		fmt.Fprint(w, tui.RenderSettings(s))
		return nil
	}
	return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
}
