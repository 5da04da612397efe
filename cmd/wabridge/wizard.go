package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"wabridge/internal/config"

	"github.com/spf13/cobra"
)

// wizardField is one prompted config value.
type wizardField struct {
	Path  string
	Label string
}

var wizardSections = []struct {
	Title  string
	Fields []wizardField
}{
	{"Backend", []wizardField{
		{"backend.baseURL", "Backend base URL"},
		{"backend.webhookPath", "Webhook path"},
		{"backend.token", "Backend token (or ${WHATSAPP_AUTH_TOKEN})"},
	}},
	{"Phone numbers", []wizardField{
		{"relay.defaultCountryCode", "Default country code"},
		{"relay.domesticLength", "Digits in a domestic number"},
	}},
	{"Ops server", []wizardField{
		{"server.host", "Listen host"},
		{"server.port", "Listen port"},
	}},
	{"Storage", []wizardField{
		{"store.enabled", "Keep a relay journal and message archive (true/false)"},
		{"polling.enabled", "Poll chats as a fallback to push (needs the archive)"},
	}},
}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: backend, numbers, ops server, storage, alerts",
		Long:  "Prompts for the settings most installs change and writes them to the path given by --config or the default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWizard(cmd.InOrStdin(), cmd.OutOrStdout(), resolveConfigPath())
		},
	}
}

func runWizard(in io.Reader, out io.Writer, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}

	reader := bufio.NewReader(in)
	prompt := func(label, def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", label, def)
		} else {
			fmt.Fprintf(out, "%s: ", label)
		}
		line, err := reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return "", err
		}
		if s := strings.TrimSpace(line); s != "" {
			return s, nil
		}
		return def, nil
	}

	for i, section := range wizardSections {
		fmt.Fprintf(out, "\n--- Step %d: %s ---\n", i+1, section.Title)
		for _, f := range section.Fields {
			cur, _ := config.GetByPath(cfg, f.Path)
			def := ""
			if cur != nil {
				def = fmt.Sprint(cur)
			}
			v, err := prompt(f.Label, def)
			if err != nil {
				return err
			}
			if v == def {
				continue
			}
			if err := config.SetByPath(cfg, f.Path, v); err != nil {
				return fmt.Errorf("%s: %w", f.Path, err)
			}
		}
	}

	fmt.Fprintf(out, "\n--- Step %d: Alerts ---\n", len(wizardSections)+1)
	tok, err := prompt("Telegram bot token for ops alerts (empty to skip)", cfg.Notify.Telegram.Token)
	if err != nil {
		return err
	}
	if tok != "" {
		chat, err := prompt("Telegram chat id", fmt.Sprint(cfg.Notify.Telegram.ChatID))
		if err != nil {
			return err
		}
		if err := config.SetByPath(cfg, "notify.telegram.chatId", chat); err != nil {
			return fmt.Errorf("notify.telegram.chatId: %w", err)
		}
		cfg.Notify.Telegram.Enabled = true
		cfg.Notify.Telegram.Token = tok
	}
	hook, err := prompt("Slack incoming webhook URL (empty to skip)", cfg.Notify.Slack.WebhookURL)
	if err != nil {
		return err
	}
	cfg.Notify.Slack.WebhookURL = hook
	cfg.Notify.Slack.Enabled = hook != ""

	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nConfig saved to %s\n", cfgPath)
	fmt.Fprintln(out, "Next: 'wabridge doctor', then 'wabridge serve' and scan the pairing QR.")
	return nil
}
