package cmd

import (
	"fmt"
	"time"

	"github.com/agentpulse/agentpulse/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var (
	flagWatchInterval time.Duration
	flagWatchTheme    string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live view of a running daemon",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&flagWatchInterval, "interval", 2*time.Second, "Refresh interval")
	watchCmd.Flags().StringVar(&flagWatchTheme, "theme", "flexoki-dark", "Color theme (flexoki-dark, terminal)")
	watchCmd.Flags().StringVar(&flagStartAddr, "addr", "", "Daemon API address (default from config)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	m := tui.NewWatch(tui.Options{
		Addr:     daemonAddr(cfg),
		Interval: flagWatchInterval,
		Theme:    flagWatchTheme,
	})
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	return nil
}
