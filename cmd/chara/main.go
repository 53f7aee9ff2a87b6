// Chara is the chara tunneling agent CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mdp/qrterminal/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/charahq/chara/internal/agent"
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
	Use:   "chara",
	Short: "Expose local services to the internet",
	Long: `Chara is a tunneling agent that exposes local HTTP services to the
public internet through a chara server, with no inbound ports required.

Examples:
  chara http 3000                    # Expose local port 3000
  chara http 3000 --subdomain myapp  # Request a specific subdomain
  chara http 8080 --host 192.168.1.5 # Forward to a different host

Configuration via environment variables:
  CHARA_SERVER - Server URL (e.g., https://tunnel.example.com)`,
}

var httpCmd = &cobra.Command{
	Use:   "http <port>",
	Short: "Expose a local HTTP service",
	Long: `Expose a local HTTP service to the internet through the chara tunnel.

The local service will be accessible at https://<subdomain>.<root-domain>`,
	Args: cobra.ExactArgs(1),
	RunE: runHTTPTunnel,
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.chara.yaml)")
	rootCmd.PersistentFlags().StringP("server", "s", "", "chara server URL")

	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))

	// HTTP command flags
	httpCmd.Flags().String("subdomain", "", "Request a specific subdomain")
	httpCmd.Flags().String("host", "127.0.0.1", "Local host to forward to")
	httpCmd.Flags().Bool("no-rewrite-host", false, "Don't rewrite the Host header")
	httpCmd.Flags().Bool("tui", false, "Enable interactive TUI for request inspection")
	httpCmd.Flags().Bool("qr", false, "Print the public URL as a QR code")
	httpCmd.Flags().BoolP("verbose", "v", false, "Enable debug logging")

	viper.BindPFlag("subdomain", httpCmd.Flags().Lookup("subdomain"))
	viper.BindPFlag("host", httpCmd.Flags().Lookup("host"))
	viper.BindPFlag("no-rewrite-host", httpCmd.Flags().Lookup("no-rewrite-host"))
	viper.BindPFlag("tui", httpCmd.Flags().Lookup("tui"))
	viper.BindPFlag("qr", httpCmd.Flags().Lookup("qr"))
	viper.BindPFlag("verbose", httpCmd.Flags().Lookup("verbose"))

	// Add commands
	rootCmd.AddCommand(httpCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chara version %s\n", version)
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
			viper.SetConfigName(".chara")
		}
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("CHARA")
	viper.AutomaticEnv()

	// Map environment variables
	viper.BindEnv("server", "CHARA_SERVER")
	viper.BindEnv("subdomain", "CHARA_SUBDOMAIN")

	viper.ReadInConfig()
}

func runHTTPTunnel(cmd *cobra.Command, args []string) error {
	// Parse port
	port, err := strconv.Atoi(args[0])
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port: %s", args[0])
	}

	serverURL := viper.GetString("server")
	if serverURL == "" {
		return fmt.Errorf("server URL is required (set CHARA_SERVER or use --server)")
	}

	useTUI := viper.GetBool("tui")

	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if viper.GetBool("verbose") {
		log.SetLevel(logrus.DebugLevel)
	}
	if useTUI {
		// The TUI owns the terminal.
		log.SetOutput(io.Discard)
	}

	config := agent.Config{
		ServerURL:   serverURL,
		Subdomain:   viper.GetString("subdomain"),
		LocalPort:   port,
		LocalHost:   viper.GetString("host"),
		RewriteHost: !viper.GetBool("no-rewrite-host"),
		Log:         log,
	}

	a, err := agent.New(config)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	defer a.Close()

	// Setup signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
		a.Close()
	}()

	if useTUI {
		// Run with interactive TUI
		return agent.RunTUI(ctx, a)
	}

	// Print connection info once the tunnel comes up (non-TUI mode). The
	// callback runs on the agent's connection loop, never concurrently.
	showQR := viper.GetBool("qr")
	first := true
	a.OnConnect = func(publicURL string, requested bool) {
		if first {
			first = false
			printConnectionInfo(publicURL, showQR)
			if config.Subdomain != "" && !requested {
				fmt.Printf("Note: subdomain %q was taken, a fallback was assigned.\n\n", config.Subdomain)
			}
			return
		}
		fmt.Printf("Tunnel re-established at %s\n", publicURL)
	}

	// Run and handle traffic
	return a.Run(ctx)
}

func printConnectionInfo(publicURL string, showQR bool) {
	fmt.Println()
	fmt.Println("╭──────────────────────────────────────────────────────────────╮")
	fmt.Println("│                     chara Tunnel Active                      │")
	fmt.Println("├──────────────────────────────────────────────────────────────┤")
	fmt.Printf("│  Public URL: %-48s│\n", publicURL)
	fmt.Println("│                                                              │")
	fmt.Println("│  Press Ctrl+C to stop the tunnel                             │")
	fmt.Println("╰──────────────────────────────────────────────────────────────╯")
	fmt.Println()

	if showQR {
		qrterminal.GenerateHalfBlock(publicURL, qrterminal.L, os.Stdout)
		fmt.Println()
	}
}
