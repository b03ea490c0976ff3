package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openclaw/clawproxy/internal/config"
	"github.com/openclaw/clawproxy/pkg/secrets"
)

var (
	confProvider   string
	confModel      string
	confBaseURL    string
	confAuthHeader string
	confAuthPrefix string
	confAPIKey     string
	confActivate   bool
	confAllowSudo  bool
	confSecret     string
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Add or update a provider profile",
	Long: `Add or update a provider profile in the configuration file.
The API key is sealed with the local encryption key before it is
written; plaintext credentials never touch the config file.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().StringVar(&confProvider, "provider", "", "provider name (required)")
	configureCmd.Flags().StringVar(&confModel, "model", "", "model to pin when activating this provider")
	configureCmd.Flags().StringVar(&confBaseURL, "base-url", "", "provider base endpoint URL")
	configureCmd.Flags().StringVar(&confAuthHeader, "auth-header", "Authorization", "auth header name")
	configureCmd.Flags().StringVar(&confAuthPrefix, "auth-prefix", "Bearer ", "auth value prefix")
	configureCmd.Flags().StringVar(&confAPIKey, "api-key", "", "provider API key (sealed before saving)")
	configureCmd.Flags().BoolVar(&confActivate, "activate", true, "make this the active provider")
	configureCmd.Flags().BoolVar(&confAllowSudo, "allow-sudo", false, "enable the global sudo gate for command execution")
	configureCmd.Flags().StringVar(&confSecret, "gateway-secret", "", "shared secret for gateway subscribers")
	configureCmd.MarkFlagRequired("provider")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	profile := cfg.Providers[confProvider]
	if confBaseURL != "" {
		profile.BaseURL = confBaseURL
	}
	profile.AuthHeader = confAuthHeader
	profile.AuthPrefix = confAuthPrefix

	if confAPIKey != "" {
		store, err := secrets.NewStore(secrets.Config{
			DataDir: cfg.DataDir,
			Logger:  zerolog.Nop(),
		})
		if err != nil {
			return fmt.Errorf("failed to open secret store: %w", err)
		}
		sealed, err := store.Seal(confAPIKey)
		if err != nil {
			return fmt.Errorf("failed to seal API key: %w", err)
		}
		profile.APIKey = sealed
		if store.Fallback() {
			fmt.Println("WARNING: encryption key unavailable, the API key is only obfuscated")
		}
	}

	if cfg.Providers == nil {
		cfg.Providers = map[string]config.ProviderProfile{}
	}
	cfg.Providers[confProvider] = profile

	if confActivate {
		cfg.ActiveProvider = confProvider
		if confModel != "" {
			cfg.ActiveModel = confModel
		}
	}
	if cmd.Flags().Changed("allow-sudo") {
		cfg.Permissions.AllowSudo = confAllowSudo
	}
	if confSecret != "" {
		cfg.Gateway.SharedSecret = confSecret
	}

	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			fmt.Printf("config error: %v\n", e)
		}
		return fmt.Errorf("refusing to save invalid configuration")
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	path, _ := loader.Path()
	fmt.Printf("Configuration saved to: %s\n", path)
	printIntegrationHelp(cfg)
	return nil
}

// printIntegrationHelp shows how to point an agent at the proxy
func printIntegrationHelp(cfg *config.Config) {
	base := fmt.Sprintf("http://%s:%d", cfg.Proxy.Host, cfg.Proxy.Port)
	fmt.Printf(`
Point your agent at the proxy:

  export OPENAI_BASE_URL=%s/v1
  export ANTHROPIC_BASE_URL=%s/v1

All inference traffic will be forced to %s/%s regardless of the model
the agent requests. Start the daemon with: clawproxy start
`, base, base, cfg.ActiveProvider, cfg.ActiveModel)
}
