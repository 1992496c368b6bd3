// ABOUTME: Entry point for the canal-gateway server.
// ABOUTME: Command dispatch for serve, seeding, and health checks.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/canalapp/canal-gateway/internal/config"
	"github.com/canalapp/canal-gateway/internal/gateway"
	"github.com/canalapp/canal-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                            _
  ___ __ _ _ __   __ _ ___ | |
 / __/ _' | '_ \ / _' / __/| |
| (_| (_| | | | | (_| \__ \| |
 \___\__,_|_| |_|\__,_|___/|_|
`

// getConfigPath returns the path to the gateway config file.
// Priority: CANAL_CONFIG env var > XDG_CONFIG_HOME/canal/gateway.yaml > ~/.config/canal/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CANAL_CONFIG"); envPath != "" {
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

	return filepath.Join(configDir, "canal", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: canal-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                      Start the gateway server")
		fmt.Println("  health                     Check gateway health")
		fmt.Println("  seed-bot --name NAME       Register a bot and print its token")
		fmt.Println("  seed-script --name NAME --file PATH --platform P --bot BOT_ID")
		fmt.Println("                             Register a script and assign it to a bot")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "seed-bot":
		err = runSeedBot(ctx)
	case "seed-script":
		err = runSeedScript(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:    %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Bus:     %s (%s)\n", cfg.Bus.URL, cfg.Bus.Subject)
	fmt.Println()

	logger.Info("starting canal-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"bus_subject", cfg.Bus.Subject,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/system/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// parseFlags handles "--name value" and "--name=value" for the seeding
// commands.
func parseFlags(args []string) (map[string]string, error) {
	flags := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name := strings.TrimPrefix(arg, "--")
		if eq := strings.IndexByte(name, '='); eq >= 0 {
			flags[name[:eq]] = name[eq+1:]
			continue
		}
		if i+1 >= len(args) {
			return nil, fmt.Errorf("--%s requires a value", name)
		}
		flags[name] = args[i+1]
		i++
	}
	return flags, nil
}

func openStore() (store.Store, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return s, nil
}

// runSeedBot registers a bot and prints its credential token. The control
// plane owns these records in production; this exists for local setups.
func runSeedBot(ctx context.Context) error {
	flags, err := parseFlags(os.Args[2:])
	if err != nil {
		return err
	}
	name := strings.TrimSpace(flags["name"])
	if name == "" {
		return fmt.Errorf("--name flag is required")
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	bot := &store.Bot{
		ID:    uuid.New().String(),
		Name:  name,
		Token: uuid.New().String(),
	}
	if err := s.CreateBot(ctx, bot); err != nil {
		return fmt.Errorf("creating bot: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created bot: %s\n", name)
	fmt.Printf("  ID:    %s\n", bot.ID)
	fmt.Printf("  Token: %s\n", bot.Token)
	return nil
}

// runSeedScript registers a script from a file and assigns it to a bot.
func runSeedScript(ctx context.Context) error {
	flags, err := parseFlags(os.Args[2:])
	if err != nil {
		return err
	}
	name := strings.TrimSpace(flags["name"])
	file := flags["file"]
	botID := flags["bot"]
	if name == "" || file == "" || botID == "" {
		return fmt.Errorf("--name, --file and --bot flags are required")
	}
	platform := flags["platform"]
	if platform == "" {
		platform = "node"
	}

	body, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("reading script file: %w", err)
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.GetBot(ctx, botID); err != nil {
		return fmt.Errorf("looking up bot %s: %w", botID, err)
	}

	script := &store.Script{
		ID:       uuid.New().String(),
		Name:     name,
		Body:     string(body),
		Platform: platform,
	}
	if err := s.CreateScript(ctx, script); err != nil {
		return fmt.Errorf("creating script: %w", err)
	}
	if err := s.AssignScript(ctx, botID, script.ID); err != nil {
		return fmt.Errorf("assigning script: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created script: %s\n", name)
	fmt.Printf("  ID:  %s\n", script.ID)
	fmt.Printf("  Bot: %s\n", botID)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{level: level})
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu    sync.Mutex
	level slog.Level
	attrs []slog.Attr
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func levelTag(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return color.MagentaString("DBG ")
	case slog.LevelInfo:
		return color.CyanString("INF ")
	case slog.LevelWarn:
		return color.YellowString("WRN ")
	case slog.LevelError:
		return color.New(color.FgRed, color.Bold).Sprint("ERR ")
	}
	return "??? "
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder
	buf.WriteString(color.HiBlackString(r.Time.Format(time.TimeOnly) + " "))
	buf.WriteString(levelTag(r.Level))
	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(merged, h.attrs)
	merged = append(merged, attrs...)
	return &colorHandler{level: h.level, attrs: merged}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	return h
}
