package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "com.wabridge.relay"
	systemdUnit  = "wabridge.service"
)

// serviceSpec is what both service managers need to run the relay.
type serviceSpec struct {
	Exec    string
	Config  string
	EnvFile string
	LogDir  string
}

func (s serviceSpec) replacer() *strings.Replacer {
	return strings.NewReplacer(
		"{{EXEC}}", s.Exec,
		"{{CONFIG}}", s.Config,
		"{{ENV_FILE}}", s.EnvFile,
		"{{LABEL}}", launchdLabel,
		"{{LOG}}", filepath.Join(s.LogDir, "wabridge.log"),
		"{{ERR_LOG}}", filepath.Join(s.LogDir, "wabridge-error.log"),
	)
}

func (s serviceSpec) launchdPlist() string { return s.replacer().Replace(launchdTemplate) }
func (s serviceSpec) systemdUnit() string  { return s.replacer().Replace(systemdTemplate) }

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the relay as a background service",
	}
	cmd.AddCommand(installDaemonCmd(), uninstallDaemonCmd())
	return cmd
}

func installDaemonCmd() *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install wabridge as a user service (launchd/systemd)",
		Long:  "Writes a service file that runs 'wabridge serve' at login and restarts it when it exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			cfgPath, err := filepath.Abs(resolveConfigPath())
			if err != nil {
				return err
			}
			home, _ := os.UserHomeDir()
			spec := serviceSpec{
				Exec:   execPath,
				Config: cfgPath,
				LogDir: filepath.Join(home, ".wabridge", "logs"),
			}
			if envFile != "" {
				if abs, err := filepath.Abs(envFile); err == nil {
					spec.EnvFile = abs
				}
			}

			var target, content string
			switch runtime.GOOS {
			case "darwin":
				target = filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
				content = spec.launchdPlist()
			case "linux":
				target = filepath.Join(home, ".config", "systemd", "user", systemdUnit)
				content = spec.systemdUnit()
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}

			if printOnly {
				fmt.Println(content)
				return nil
			}
			if err := os.MkdirAll(spec.LogDir, 0o755); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
				return err
			}

			fmt.Printf("Service installed: %s\n", target)
			if runtime.GOOS == "darwin" {
				fmt.Printf("To start: launchctl load %s\n", target)
				fmt.Printf("To stop:  launchctl unload %s\n", target)
			} else {
				fmt.Println("To start:  systemctl --user daemon-reload && systemctl --user start wabridge")
				fmt.Println("To enable: systemctl --user enable wabridge")
				fmt.Println("Logs:      journalctl --user -u wabridge -f")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the service file instead of installing it")
	return cmd
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the wabridge user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, _ := os.UserHomeDir()
			var target string
			switch runtime.GOOS {
			case "darwin":
				target = filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
			case "linux":
				target = filepath.Join(home, ".config", "systemd", "user", systemdUnit)
			default:
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}
			if err := os.Remove(target); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Service removed: %s\n", target)
			return nil
		},
	}
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
        <string>--env-file</string>
        <string>{{ENV_FILE}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>ThrottleInterval</key>
    <integer>10</integer>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=wabridge WhatsApp relay
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} serve --config {{CONFIG}} --env-file {{ENV_FILE}}
Restart=always
RestartSec=10

[Install]
WantedBy=default.target`
