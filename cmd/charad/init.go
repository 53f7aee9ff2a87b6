package main

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/charahq/chara/pkg/protocol"
)

const (
	defaultConfigDir   = "/etc/chara"
	defaultEnvFile     = "/etc/chara/charad.env"
	defaultSystemdPath = "/etc/systemd/system/charad.service"
	defaultBinaryPath  = "/usr/local/bin/charad"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize chara server configuration",
	Long: `Interactive setup wizard to configure the chara server.

This command will:
- Configure the server settings (domain, port, metrics)
- Create the configuration file at /etc/chara/charad.env
- Optionally install and enable the systemd service

Run with sudo for full functionality (systemd installation).`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println()
	fmt.Println("  ╭───────────────────────────────────╮")
	fmt.Println("  │     chara Server Setup Wizard     │")
	fmt.Println("  │   Configure your tunnel server    │")
	fmt.Println("  ╰───────────────────────────────────╯")
	fmt.Println()

	// Check OS
	if runtime.GOOS == "windows" {
		fmt.Println("Note: Windows detected. Systemd features are not available.")
		fmt.Println("      Configuration will be saved for manual use.")
		fmt.Println()
	}

	// Check for root privileges on Linux/macOS
	isRoot := os.Geteuid() == 0
	if runtime.GOOS != "windows" && !isRoot {
		fmt.Println("Warning: Not running as root. Some features will be limited:")
		fmt.Println("  - Cannot create /etc/chara directory")
		fmt.Println("  - Cannot install systemd service")
		fmt.Println()
		fmt.Println("Run with sudo for full functionality: sudo charad init")
		fmt.Println()
		fmt.Print("Continue anyway? [y/N]: ")
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
		fmt.Println()
	}

	// Check for existing config
	configPath := defaultEnvFile
	if !isRoot {
		home, _ := os.UserHomeDir()
		configPath = filepath.Join(home, ".charad.env")
	}

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Existing configuration found at %s\n", configPath)
		fmt.Print("Overwrite? [y/N]: ")
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
		fmt.Println()
	}

	// Get root domain
	fmt.Println("Enter the root domain for your tunnel server.")
	fmt.Println("Tunnels will be published as subdomains of it, so a wildcard DNS")
	fmt.Println("record (*.tunnel.example.com) must point at this machine.")
	fmt.Println("Example: tunnel.example.com")
	fmt.Println()
	fmt.Print("Root domain: ")
	domain, _ := reader.ReadString('\n')
	domain = strings.TrimSpace(domain)

	if domain == "" {
		return fmt.Errorf("root domain is required")
	}

	// Validate domain (basic check)
	if !isValidDomain(domain) {
		return fmt.Errorf("invalid domain format: %s", domain)
	}

	// Get control domain
	fmt.Println()
	fmt.Printf("Control domain agents connect to [%s]: ", domain)
	controlDomain, _ := reader.ReadString('\n')
	controlDomain = strings.TrimSpace(controlDomain)
	if controlDomain == "" {
		controlDomain = domain
	}
	if !isValidDomain(controlDomain) {
		return fmt.Errorf("invalid domain format: %s", controlDomain)
	}

	// Get port
	fmt.Println()
	fmt.Printf("Server port [%d]: ", protocol.DefaultPort)
	portStr, _ := reader.ReadString('\n')
	portStr = strings.TrimSpace(portStr)

	port := protocol.DefaultPort
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil || p < 1 || p > 65535 {
			return fmt.Errorf("invalid port number: %s", portStr)
		}
		port = p
	}

	// Get metrics port
	fmt.Println()
	fmt.Print("Prometheus metrics port (0 to disable) [0]: ")
	metricsStr, _ := reader.ReadString('\n')
	metricsStr = strings.TrimSpace(metricsStr)

	metricsPort := 0
	if metricsStr != "" {
		p, err := strconv.Atoi(metricsStr)
		if err != nil || p < 0 || p > 65535 {
			return fmt.Errorf("invalid port number: %s", metricsStr)
		}
		metricsPort = p
	}

	fmt.Println()

	// Create configuration
	config := ServerConfig{
		Port:          port,
		Domain:        domain,
		ControlDomain: controlDomain,
		MetricsPort:   metricsPort,
	}

	// Save configuration
	fmt.Print("Saving configuration... ")
	if err := saveServerConfig(config, configPath, isRoot); err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Println("Done")
	fmt.Printf("Configuration saved to: %s\n", configPath)

	// Install systemd service (Linux only, root only)
	if runtime.GOOS == "linux" && isRoot {
		fmt.Println()
		fmt.Print("Install systemd service? [Y/n]: ")
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))

		if response == "" || response == "y" || response == "yes" {
			if err := installSystemdService(); err != nil {
				fmt.Printf("\nWarning: Failed to install systemd service: %v\n", err)
				fmt.Println("You can install it manually later.")
			} else {
				fmt.Println()
				fmt.Println("Systemd service installed and enabled.")
				fmt.Println()
				fmt.Print("Start the server now? [Y/n]: ")
				startResp, _ := reader.ReadString('\n')
				startResp = strings.TrimSpace(strings.ToLower(startResp))

				if startResp == "" || startResp == "y" || startResp == "yes" {
					if err := startService(); err != nil {
						fmt.Printf("Warning: Failed to start service: %v\n", err)
					} else {
						fmt.Println("Server started successfully!")
					}
				}
			}
		}
	}

	// Print summary
	printSetupSummary(config, configPath, isRoot)

	return nil
}

// ServerConfig holds the values the wizard collects.
type ServerConfig struct {
	Port          int
	Domain        string
	ControlDomain string
	MetricsPort   int
}

func isValidDomain(domain string) bool {
	// Basic domain validation
	if len(domain) == 0 || len(domain) > 253 {
		return false
	}

	// Remove protocol if accidentally included
	domain = strings.TrimPrefix(domain, "http://")
	domain = strings.TrimPrefix(domain, "https://")

	// Check for valid characters
	for _, part := range strings.Split(domain, ".") {
		if len(part) == 0 || len(part) > 63 {
			return false
		}
		for i, c := range part {
			if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || (c == '-' && i > 0 && i < len(part)-1)) {
				return false
			}
		}
	}

	return strings.Contains(domain, ".")
}

func saveServerConfig(config ServerConfig, path string, isRoot bool) error {
	// Create directory if needed
	dir := filepath.Dir(path)
	if isRoot {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	content := fmt.Sprintf(`# chara Server Configuration
# Generated by 'charad init'

# Server listening port
CHARA_PORT=%d

# Root domain tunnels are published under
CHARA_DOMAIN=%s

# Domain agents connect to
CHARA_CONTROL_DOMAIN=%s

# Prometheus metrics port (0 = disabled)
CHARA_METRICS_PORT=%d
`, config.Port, config.Domain, config.ControlDomain, config.MetricsPort)

	// Write with restricted permissions
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return err
	}

	return nil
}

func installSystemdService() error {
	fmt.Print("Creating chara system user... ")
	// Create system user (ignore error if exists)
	cmd := exec.Command("useradd", "-r", "-s", "/bin/false", "-d", "/var/lib/chara", "chara")
	cmd.Run() // Ignore error - user might exist
	fmt.Println("Done")

	fmt.Print("Installing systemd service... ")
	if err := os.WriteFile(defaultSystemdPath, []byte(systemdServiceContent), 0644); err != nil {
		return fmt.Errorf("failed to write service file: %w", err)
	}
	fmt.Println("Done")

	fmt.Print("Reloading systemd... ")
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}
	fmt.Println("Done")

	fmt.Print("Enabling charad service... ")
	if err := exec.Command("systemctl", "enable", "charad").Run(); err != nil {
		return fmt.Errorf("failed to enable service: %w", err)
	}
	fmt.Println("Done")

	return nil
}

func startService() error {
	return exec.Command("systemctl", "start", "charad").Run()
}

func printSetupSummary(config ServerConfig, configPath string, isRoot bool) {
	fmt.Println()
	fmt.Println("  ╭───────────────────────────────────────────────────────╮")
	fmt.Println("  │              Setup Complete!                          │")
	fmt.Println("  ╰───────────────────────────────────────────────────────╯")
	fmt.Println()
	fmt.Println("  Server Configuration:")
	fmt.Printf("    Domain:       %s\n", config.Domain)
	if config.ControlDomain != config.Domain {
		fmt.Printf("    Control:      %s\n", config.ControlDomain)
	}
	fmt.Printf("    Port:         %d\n", config.Port)
	if config.MetricsPort != 0 {
		fmt.Printf("    Metrics:      :%d/metrics\n", config.MetricsPort)
	}
	fmt.Printf("    Config file:  %s\n", configPath)
	fmt.Println()
	fmt.Println("  ─────────────────────────────────────────────────────────")
	fmt.Println()
	fmt.Println("  Agent Connection Info (share with users):")
	fmt.Println()

	serverURL := fmt.Sprintf("https://%s", config.ControlDomain)

	fmt.Printf("    Server URL:   %s\n", serverURL)
	fmt.Println()
	fmt.Println("  ─────────────────────────────────────────────────────────")
	fmt.Println()

	if runtime.GOOS == "linux" && isRoot {
		fmt.Println("  Server Management:")
		fmt.Println("    sudo systemctl start charad    # Start server")
		fmt.Println("    sudo systemctl stop charad     # Stop server")
		fmt.Println("    sudo systemctl status charad   # Check status")
		fmt.Println("    sudo journalctl -u charad -f   # View logs")
	} else if runtime.GOOS != "windows" && !isRoot {
		fmt.Println("  To start the server manually:")
		fmt.Printf("    source %s && charad\n", configPath)
	} else {
		fmt.Println("  To start the server:")
		fmt.Println("    Set the environment variables from the config file")
		fmt.Println("    Then run: charad")
	}

	fmt.Println()
	fmt.Println("  Next Steps:")
	fmt.Printf("    1. Point a wildcard DNS record (*.%s) at this server\n", config.Domain)
	fmt.Println("    2. Terminate TLS in front (Caddy, nginx, or Cloudflare) for https/wss")
	fmt.Println("    3. Share the Server URL with your users")
	fmt.Printf("    4. Users run: chara http 3000 --server %s\n", serverURL)
	fmt.Println()
}

// Embedded systemd service content
const systemdServiceContent = `[Unit]
Description=chara Tunnel Server Daemon
Documentation=https://github.com/charahq/chara
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User=chara
Group=chara

# Environment configuration
EnvironmentFile=-/etc/chara/charad.env

# The server binary
ExecStart=/usr/local/bin/charad

# Restart configuration
Restart=on-failure
RestartSec=5s

# Resource limits
LimitNOFILE=65536

# Security hardening
NoNewPrivileges=yes
ProtectSystem=strict
ProtectHome=yes
PrivateTmp=yes
PrivateDevices=yes
ProtectKernelTunables=yes
ProtectKernelModules=yes
ProtectControlGroups=yes
RestrictSUIDSGID=yes
RestrictNamespaces=yes

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=charad

[Install]
WantedBy=multi-user.target
`
