// Charad is the chara tunnel server daemon.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/charahq/chara/internal/server"
	"github.com/charahq/chara/pkg/protocol"
)

var (
	version = "1.0.0"
	cfgFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "charad",
	Short: "chara tunnel server daemon",
	Long: `Charad is the server component of the chara tunneling system.

It accepts persistent WebSocket connections from chara agents, assigns
each one a subdomain, and routes public HTTP traffic for
<subdomain>.<domain> through the matching tunnel.

Configuration via environment variables:
  CHARA_PORT           - Listening port (default: 8080)
  CHARA_DOMAIN         - Root domain tunnels are published under (e.g., tunnel.example.com)
  CHARA_CONTROL_DOMAIN - Domain agents connect to (default: same as CHARA_DOMAIN)`,
	RunE: runServer,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.charad.yaml)")
	rootCmd.Flags().IntP("port", "p", protocol.DefaultPort, "Server listening port")
	rootCmd.Flags().StringP("domain", "d", "", "Root domain for tunnel URLs")
	rootCmd.Flags().String("control-domain", "", "Domain agents connect to (defaults to the root domain)")
	rootCmd.Flags().Duration("request-timeout", protocol.DefaultRequestTimeout, "How long to wait for an agent to answer a request")
	rootCmd.Flags().StringSlice("encodings", nil, "Content encodings offered when recompressing rewritten responses (gzip, br, deflate)")
	rootCmd.Flags().Int("metrics-port", 0, "Prometheus metrics port (0 disables the metrics listener)")
	rootCmd.Flags().String("replacements", "", "Path to a YAML file with response text replacements")
	rootCmd.Flags().BoolP("verbose", "v", false, "Enable debug logging")

	viper.BindPFlag("port", rootCmd.Flags().Lookup("port"))
	viper.BindPFlag("domain", rootCmd.Flags().Lookup("domain"))
	viper.BindPFlag("control-domain", rootCmd.Flags().Lookup("control-domain"))
	viper.BindPFlag("request-timeout", rootCmd.Flags().Lookup("request-timeout"))
	viper.BindPFlag("encodings", rootCmd.Flags().Lookup("encodings"))
	viper.BindPFlag("metrics-port", rootCmd.Flags().Lookup("metrics-port"))
	viper.BindPFlag("replacements", rootCmd.Flags().Lookup("replacements"))
	viper.BindPFlag("verbose", rootCmd.Flags().Lookup("verbose"))

	// Add version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("charad version %s\n", version)
		},
	})
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigName(".charad")
		}
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("CHARA")
	viper.AutomaticEnv()

	// Map environment variables
	viper.BindEnv("port", "CHARA_PORT")
	viper.BindEnv("domain", "CHARA_DOMAIN")
	viper.BindEnv("control-domain", "CHARA_CONTROL_DOMAIN")
	viper.BindEnv("request-timeout", "CHARA_REQUEST_TIMEOUT")
	viper.BindEnv("encodings", "CHARA_ENCODINGS")
	viper.BindEnv("metrics-port", "CHARA_METRICS_PORT")
	viper.BindEnv("replacements", "CHARA_REPLACEMENTS")

	viper.ReadInConfig()
}

func runServer(cmd *cobra.Command, args []string) error {
	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if viper.GetBool("verbose") {
		log.SetLevel(logrus.DebugLevel)
	}

	config := server.Config{
		Port:           viper.GetInt("port"),
		Domain:         viper.GetString("domain"),
		ControlDomain:  viper.GetString("control-domain"),
		RequestTimeout: viper.GetDuration("request-timeout"),
		Codings:        viper.GetStringSlice("encodings"),
		MetricsPort:    viper.GetInt("metrics-port"),
		Log:            log,
	}

	if config.Domain == "" {
		return fmt.Errorf("root domain is required (set CHARA_DOMAIN or use --domain)")
	}

	if path := viper.GetString("replacements"); path != "" {
		replacements, err := server.LoadReplacements(path)
		if err != nil {
			return fmt.Errorf("failed to load replacements from %s: %w", path, err)
		}
		config.Replacements = replacements
	}

	srv, err := server.New(config)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Run(context.Background())
}
