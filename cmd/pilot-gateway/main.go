// ABOUTME: Entry point for pilot-gateway, the agent-to-VM control bridge
// ABOUTME: Serves the gateway and offers health, session, task and token subcommands

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/pilot-gateway/internal/auth"
	"github.com/2389/pilot-gateway/internal/config"
	"github.com/2389/pilot-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
       _ _       _                     _
 _ __ (_) | ___ | |_    __ _  __ _| |_ _____      ____ _ _   _
| '_ \| | |/ _ \| __|  / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| |_) | | | (_) | |_  | (_| | (_| | ||  __/\ V  V / (_| | |_| |
| .__/|_|_|\___/ \__|  \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
|_|                    |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: PILOT_CONFIG env var > XDG_CONFIG_HOME/pilot/gateway.yaml > ~/.config/pilot/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PILOT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "pilot", "gateway.yaml")
}

// loadConfig reads the config file, or builds one from the environment
// when there is no file. Container deployments configure through the
// environment alone.
func loadConfig() (*config.Config, string, error) {
	path := getConfigPath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg, err := config.FromEnv()
		return cfg, "(environment)", err
	}
	cfg, err := config.Load(path)
	return cfg, path, err
}

func main() {
	cmd := "serve"
	var args []string
	if len(os.Args) > 1 {
		cmd, args = os.Args[1], os.Args[2:]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "sessions":
		err = runSessions(ctx)
	case "tasks":
		err = runTasks(ctx, args)
	case "token":
		err = runToken(args)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage(os.Stderr)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: pilot-gateway [command]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                       Start the gateway (default)")
	fmt.Fprintln(w, "  health                      Check gateway readiness")
	fmt.Fprintln(w, "  sessions                    List remote-control sessions")
	fmt.Fprintln(w, "  tasks [--limit N]           List recent tasks")
	fmt.Fprintln(w, "  token --subject NAME [--ttl 720h]")
	fmt.Fprintln(w, "                              Mint a client token")
	fmt.Fprintln(w, "  version                     Print the version")
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, source, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", source)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Agent:     %s\n", cfg.Agent.URL)
	green.Print("    ▶ ")
	fmt.Printf("Browser:   %s\n", cfg.Tools.BrowserURL)
	green.Print("    ▶ ")
	fmt.Printf("Auth:      ")
	switch {
	case cfg.Auth.Required:
		cyan.Println("required")
	case cfg.Auth.JWTSecret != "":
		yellow.Println("optional")
	default:
		yellow.Println("disabled")
	}
	fmt.Println()

	gw, err := gateway.New(cfg, logger, gateway.Deps{Version: version})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// baseURL turns a listen address into a URL the CLI can reach.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

// readToken returns the CLI token from PILOT_TOKEN or the token file next
// to the config.
func readToken() string {
	if t := os.Getenv("PILOT_TOKEN"); t != "" {
		return t
	}
	data, err := os.ReadFile(filepath.Join(filepath.Dir(getConfigPath()), "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// apiGet fetches path from the configured gateway and decodes the JSON
// body into v.
func apiGet(ctx context.Context, path string, v any) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg.Server.HTTPAddr)+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if token := readToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusServiceUnavailable {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func runHealth(ctx context.Context) error {
	var ready gateway.ReadyResponse
	if err := apiGet(ctx, "/health/ready", &ready); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	fmt.Printf("status:   %s\n", ready.Status)
	fmt.Printf("version:  %s\n", ready.Version)
	fmt.Printf("link:     %s\n", ready.Link)
	fmt.Printf("tasks:    %d\n", ready.Tasks)
	fmt.Printf("sessions: %d\n", ready.Sessions)
	if ready.Status != "ready" {
		return fmt.Errorf("not ready: upstream link is %s", ready.Link)
	}
	return nil
}

func runSessions(ctx context.Context) error {
	var list gateway.SessionListResponse
	if err := apiGet(ctx, "/api/sessions", &list); err != nil {
		return err
	}
	if len(list.Sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDR\tSTATE\tQUEUED\tLAST ACTIVITY")
	for _, s := range list.Sessions {
		last := "-"
		if !s.LastActivity.IsZero() {
			last = s.LastActivity.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.Name, s.Addr, s.State, s.Queued, last)
	}
	return tw.Flush()
}

func runTasks(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tasks", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "number of tasks to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var list gateway.TaskListResponse
	if err := apiGet(ctx, fmt.Sprintf("/api/tasks/history?limit=%d", *limit), &list); err != nil {
		return err
	}
	if len(list.Tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCLIENT\tEVENTS\tCREATED\tPROMPT")
	for _, t := range list.Tasks {
		prompt := t.Prompt
		if len(prompt) > 48 {
			prompt = prompt[:45] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			t.ID, t.Status, t.Client, t.Seq, t.CreatedAt.Local().Format(time.DateTime), prompt)
	}
	return tw.Flush()
}

// runToken mints a client token with the configured secret and saves it
// for the other subcommands.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "client name carried in the token")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	save := fs.Bool("save", false, "write the token next to the config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	name := strings.TrimSpace(*subject)
	if name == "" {
		return errors.New("--subject is required")
	}
	if *ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(name, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if *save {
		tokenPath := filepath.Join(filepath.Dir(getConfigPath()), "token")
		if err := os.MkdirAll(filepath.Dir(tokenPath), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.WriteFile(tokenPath, []byte(token), 0o600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		color.New(color.FgGreen).Fprintf(os.Stderr, "  ✓ Saved token: %s (expires %s)\n",
			tokenPath, time.Now().Add(*ttl).Format("Jan 02, 2006"))
	}

	fmt.Println(token)
	return nil
}
