package cmd

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/agentpulse/agentpulse/internal/cli"
	"github.com/agentpulse/agentpulse/internal/config"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

var (
	flagInitAPIKey    string
	flagInitAgentName string
	flagInitProxy     bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactive first-time setup",
	Long:  "Write the agentpulse config file. Pass --api-key to skip the interactive form.",
	RunE:  runInit,
}

func init() {
	initCmd.Flags().StringVar(&flagInitAPIKey, "api-key", "", "Collector API key (non-interactive)")
	initCmd.Flags().StringVar(&flagInitAgentName, "agent-name", "", "Agent name reported to the collector")
	initCmd.Flags().BoolVar(&flagInitProxy, "proxy", false, "Enable the capture proxy (non-interactive)")
	rootCmd.AddCommand(initCmd)
}

// initValues holds the answers of the setup form.
type initValues struct {
	APIKey       string
	AgentName    string
	LogPath      string
	DefaultModel string
	ProxyEnabled bool
	ProxyPort    string
}

func valuesFromConfig(cfg config.Config) initValues {
	return initValues{
		APIKey:       cfg.Collector.APIKey,
		AgentName:    cfg.Collector.AgentName,
		LogPath:      cfg.Daemon.LogPath,
		DefaultModel: cfg.Model.Default,
		ProxyEnabled: cfg.Proxy.Enabled,
		ProxyPort:    strconv.Itoa(cfg.Proxy.Port),
	}
}

// apply copies the answers onto cfg. Values are assumed validated.
func (v initValues) apply(cfg *config.Config) {
	cfg.Collector.APIKey = strings.TrimSpace(v.APIKey)
	if name := strings.TrimSpace(v.AgentName); name != "" {
		cfg.Collector.AgentName = name
	}
	cfg.Daemon.LogPath = strings.TrimSpace(v.LogPath)
	if v.DefaultModel != "" {
		cfg.Model.Default = v.DefaultModel
	}
	cfg.Proxy.Enabled = v.ProxyEnabled
	if port, err := strconv.Atoi(v.ProxyPort); err == nil {
		cfg.Proxy.Port = port
	}
}

func validateAPIKey(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("an API key is required")
	}
	return nil
}

func validatePort(s string) error {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || port < 1 || port > 65535 {
		return errors.New("enter a port between 1 and 65535")
	}
	return nil
}

func modelChoices(current string) []string {
	choices := []string{
		config.DefaultModel,
		"claude-sonnet-4-5",
		"claude-haiku-4-5",
		"gpt-4o",
		"gpt-4o-mini",
		"gemini-2.5-pro",
		"deepseek-chat",
	}
	if current != "" && !slices.Contains(choices, current) {
		choices = append([]string{current}, choices...)
	}
	return choices
}

func newInitForm(v *initValues) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Welcome to agentpulse").
				Description("Per-call LLM telemetry for your agent gateway.\nKeys are stored in "+flagConfig+"."),
			huh.NewInput().
				Title("AgentPulse API key").
				Description("From your AgentPulse dashboard.").
				EchoMode(huh.EchoModePassword).
				Value(&v.APIKey).
				Validate(validateAPIKey),
			huh.NewInput().
				Title("Agent name").
				Description("Shown next to every event in the dashboard.").
				Value(&v.AgentName),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Gateway log directory").
				Description("Leave empty to auto-detect on each start.").
				Value(&v.LogPath),
			huh.NewSelect[string]().
				Title("Default model").
				Description("Used when a log line does not name one.").
				Options(huh.NewOptions(modelChoices(v.DefaultModel)...)...).
				Value(&v.DefaultModel),
			huh.NewConfirm().
				Title("Run the capture proxy?").
				Description("Point provider base URLs at it for exact token counts.").
				Value(&v.ProxyEnabled),
			huh.NewInput().
				Title("Proxy port").
				Value(&v.ProxyPort).
				Validate(validatePort),
		),
	)
}

func runInit(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	vals := valuesFromConfig(cfg)

	if flagInitAPIKey != "" {
		vals.APIKey = flagInitAPIKey
		if flagInitAgentName != "" {
			vals.AgentName = flagInitAgentName
		}
		vals.ProxyEnabled = vals.ProxyEnabled || flagInitProxy
	} else {
		if err := newInitForm(&vals).Run(); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				fmt.Println("  Setup cancelled; nothing written.")
				return nil
			}
			return fmt.Errorf("setup form: %w", err)
		}
	}

	vals.apply(&cfg)
	if err := config.SaveTo(flagConfig, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Println()
	fmt.Printf("  Saved to %s\n", flagConfig)
	fmt.Printf("  API key: %s\n", cli.MaskAPIKey(cfg.Collector.APIKey))
	if cfg.Proxy.Enabled {
		fmt.Printf("  Proxy: http://127.0.0.1:%d/<provider>/...\n", cfg.Proxy.Port)
	}
	fmt.Println()
	fmt.Println("  Next: `agentpulse test` to check the connection, then `agentpulse start -d`.")
	fmt.Println()
	return nil
}
