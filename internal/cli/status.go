package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/clawproxy/internal/config"
	"github.com/openclaw/clawproxy/pkg/health"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and provider status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	pidFile := getPIDFilePath(cfg.DataDir)
	running := isRunning(pidFile)

	fmt.Printf("Daemon:          %s\n", boolWord(running, "running", "stopped"))
	fmt.Printf("Active provider: %s\n", cfg.ActiveProvider)
	fmt.Printf("Active model:    %s\n", cfg.ActiveModel)
	fmt.Printf("Proxy:           http://%s:%d\n", cfg.Proxy.Host, cfg.Proxy.Port)
	fmt.Printf("Gateway:         http://%s:%d\n", cfg.Proxy.Host, cfg.Gateway.Port)

	if !running {
		return nil
	}

	snap, err := fetchHealth(cfg)
	if err != nil {
		fmt.Printf("Health:          unavailable (%v)\n", err)
		return nil
	}
	fmt.Printf("Provider reach:  %s\n", snap.ProviderReachable)
	fmt.Printf("Internet reach:  %s\n", snap.InternetReachable)
	fmt.Printf("Last checked:    %s\n", snap.CheckedAt.Format(time.RFC3339))
	return nil
}

func fetchHealth(cfg *config.Config) (*health.Snapshot, error) {
	url := fmt.Sprintf("http://%s:%d/health", cfg.Proxy.Host, cfg.Gateway.Port)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if cfg.Gateway.SharedSecret != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Gateway.SharedSecret)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var snap health.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func boolWord(b bool, yes, no string) string {
	if b {
		return yes
	}
	return no
}
