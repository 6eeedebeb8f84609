package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
)

const launchdLabel = "com.concierge.gateway"

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background service",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Install Concierge as a system daemon (launchd/systemd)",
		Long:  "Generates and installs a service file that runs `concierge gateway` on login.",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			return installService(execPath, resolveConfigPath())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the Concierge system daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return uninstallService()
		},
	})
	return cmd
}

// servicePath is where the current OS expects the user-level service file.
func servicePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), nil
	case "linux":
		return filepath.Join(home, ".config", "systemd", "user", "concierge.service"), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
	}
}

func installService(execPath, cfgPath string) error {
	path, err := servicePath()
	if err != nil {
		return err
	}
	home, _ := os.UserHomeDir()
	logDir := filepath.Join(home, ".concierge", "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	var unit string
	switch runtime.GOOS {
	case "darwin":
		unit = launchdPlist(execPath, cfgPath, logDir)
	case "linux":
		unit = systemdUnit(execPath, cfgPath)
	}
	if err := os.WriteFile(path, []byte(unit), 0o644); err != nil {
		return err
	}

	fmt.Printf("Daemon installed: %s\n", path)
	switch runtime.GOOS {
	case "darwin":
		fmt.Printf("To start: launchctl load %s\n", path)
		fmt.Printf("To stop:  launchctl unload %s\n", path)
	case "linux":
		fmt.Println("To start:  systemctl --user start concierge")
		fmt.Println("To enable: systemctl --user enable concierge")
		fmt.Println("To stop:   systemctl --user stop concierge")
	}
	return nil
}

func uninstallService() error {
	path, err := servicePath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("No daemon installed at %s\n", path)
			return nil
		}
		return fmt.Errorf("remove service file: %w", err)
	}
	fmt.Printf("Daemon uninstalled: %s\n", path)
	return nil
}

func launchdPlist(execPath, cfgPath, logDir string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>%s</string>
    <key>ProgramArguments</key>
    <array>
        <string>%s</string>
        <string>gateway</string>
        <string>--config</string>
        <string>%s</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>%s</string>
    <key>StandardErrorPath</key>
    <string>%s</string>
</dict>
</plist>`,
		launchdLabel, execPath, cfgPath,
		filepath.Join(logDir, "concierge.log"),
		filepath.Join(logDir, "concierge-error.log"))
}

func systemdUnit(execPath, cfgPath string) string {
	return fmt.Sprintf(`[Unit]
Description=Concierge Assistant Gateway
After=network.target

[Service]
Type=simple
ExecStart=%s gateway --config %s
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`, execPath, cfgPath)
}
