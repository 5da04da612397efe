package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"wabridge/internal/config"
	"wabridge/internal/session"
	"wabridge/internal/store"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("62")).Bold(true).Underline(true)
)

// opsClient talks to the ops API of a running instance.
type opsClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newOpsClient(cfg *config.Config) *opsClient {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return &opsClient{
		baseURL: fmt.Sprintf("http://%s:%d", host, cfg.Server.Port),
		token:   cfg.ServerToken(),
		http:    &http.Client{Timeout: 90 * time.Second},
	}
}

// do sends a request and decodes the JSON answer into out. Non-2xx answers
// are returned as errors carrying the server's error text.
func (c *opsClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is wabridge running? %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("%s %s: %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the session health of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			var h session.Health
			if err := newOpsClient(cfg).do(cmd.Context(), http.MethodGet, "/health", nil, &h); err != nil {
				fmt.Println(failStyle.Render("✗ unreachable"), err)
				return err
			}
			if asJSON {
				data, _ := json.MarshalIndent(h, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			renderHealth(os.Stdout, h)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw health JSON")
	return cmd
}

func renderHealth(w io.Writer, h session.Health) {
	fmt.Fprintln(w, headerStyle.Render("wabridge session"))

	state := okStyle.Render("● " + h.State)
	switch {
	case h.Connected:
	case h.State == "disconnected":
		state = failStyle.Render("● " + h.State)
	default:
		state = warnStyle.Render("● " + h.State)
	}
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("state:     "), state)
	fmt.Fprintf(w, "%s %t\n", labelStyle.Render("session:   "), h.SessionExists)
	fmt.Fprintf(w, "%s %d\n", labelStyle.Render("reconnects:"), h.ReconnectAttempts)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("as of:     "), humanize.Time(h.AsOf))
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <to> <message>",
		Short: "Send a WhatsApp message through a running instance",
		Long:  "Bare numbers get @c.us appended. The message goes through the same retrying delivery queue as replies.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			var out struct {
				Success bool   `json:"success"`
				Message string `json:"message"`
			}
			body := map[string]string{"to": args[0], "message": args[1]}
			if err := newOpsClient(cfg).do(cmd.Context(), http.MethodPost, "/send", body, &out); err != nil {
				fmt.Println(failStyle.Render("✗ not sent"), err)
				return err
			}
			fmt.Println(okStyle.Render("✓ " + out.Message))
			return nil
		},
	}
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart a session that gave up reconnecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := newOpsClient(cfg).do(cmd.Context(), http.MethodPost, "/session/restart", nil, nil); err != nil {
				fmt.Println(failStyle.Render("✗ restart refused"), err)
				return err
			}
			fmt.Println(okStyle.Render("✓ restarting"))
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print recent relay journal records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.Store.Enabled {
				return fmt.Errorf("store.enabled is false; no journal is kept")
			}
			st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.RecentRecords(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println(labelStyle.Render("no records yet"))
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "WHEN\tPHONE\tKIND\tVIA\tOUTCOME\tDELIVERED\tREQUEST")
			for _, r := range recs {
				outcome := okStyle.Render(r.Outcome)
				switch r.Outcome {
				case "transient_failure", "permanent_failure":
					outcome = failStyle.Render(r.Outcome)
				case "user_not_registered":
					outcome = warnStyle.Render(r.Outcome)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
					humanize.Time(r.CreatedAt), r.Phone, r.Kind, r.Via, outcome, r.Delivered, r.RequestID)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records to show")
	return cmd
}
