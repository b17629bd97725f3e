// Nexa is a command-line MCP host. It connects to the MCP servers listed
// in its configuration and lets a local (Ollama) or hosted (Gemini) chat
// model call their tools.
//
// Usage:
//
//	nexa servers                     Connect to every server and list them
//	nexa tools                       List the tools offered to models
//	nexa call <server> <tool> [json] Call one tool directly
//	nexa chat [message...]           Chat with tool use (interactive without a message)
//	nexa models                      List chat-capable models per provider
//	nexa history [conversation]      List conversations or print one
//	nexa init [dir]                  Write a starter config.yaml
//	nexa version                     Print version and build information
//	nexa -o json <command>           Output as JSON
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"

	"github.com/jazzcort/nexa/internal/buildinfo"
	"github.com/jazzcort/nexa/internal/config"
	"github.com/jazzcort/nexa/internal/events"
	"github.com/jazzcort/nexa/internal/history"
	"github.com/jazzcort/nexa/internal/host"
	"github.com/jazzcort/nexa/internal/json"
	"github.com/jazzcort/nexa/internal/llm"
	"github.com/jazzcort/nexa/internal/mcp"
)

// main builds the OS-level environment and hands off to [run], keeping
// os.Exit and the standard streams out of the application logic.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags.
type options struct {
	configPath string
	output     string // "text" or "json"
}

// run is the real entry point. Command output goes to stdout; logs and
// progress go to stderr. Flags are parsed by hand so run has no global
// state and can be driven concurrently from tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.output = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.output = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.output = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.output == "" {
		opts.output = "text"
	}
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
	}

	switch command {
	case "servers":
		return runServers(ctx, stdout, stderr, opts)
	case "tools":
		return runTools(ctx, stdout, stderr, opts)
	case "call":
		if len(cmdArgs) < 2 || len(cmdArgs) > 3 {
			return errors.New("usage: nexa call <server> <tool> [json-arguments]")
		}
		return runCall(ctx, stdout, stderr, opts, cmdArgs)
	case "chat":
		return runChat(ctx, stdin, stdout, stderr, opts, cmdArgs)
	case "models":
		return runModels(ctx, stdout, stderr, opts)
	case "history":
		return runHistory(ctx, stdout, stderr, opts, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.output)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Nexa - MCP host for local and hosted chat models")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: nexa [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  servers                      Connect to the configured MCP servers and list them")
	fmt.Fprintln(w, "  tools                        List the tools offered to chat models")
	fmt.Fprintln(w, "  call <server> <tool> [json]  Call a tool directly")
	fmt.Fprintln(w, "  chat [flags] [message...]    Chat with tool use; interactive without a message")
	fmt.Fprintln(w, "      -provider <name>         Route the model to ollama or gemini")
	fmt.Fprintln(w, "      -model <name>            Model to chat with (default: models.default)")
	fmt.Fprintln(w, "      -c <conversation>        Continue a stored conversation")
	fmt.Fprintln(w, "  models                       List chat-capable models per provider")
	fmt.Fprintln(w, "  history [conversation]       List conversations or print one")
	fmt.Fprintln(w, "  history rm <conversation>    Delete a conversation")
	fmt.Fprintln(w, "  init [dir]                   Write a starter config.yaml (default: .)")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/nexa/config.yaml, /etc/nexa/config.yaml")
	return nil
}

// app holds what the subcommands share. Components are created lazily
// so a command only pays for what it uses.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *events.Bus

	host   *host.Host
	store  *history.Store
	ollama *llm.OllamaClient
	gemini *llm.GeminiClient
	llm    *llm.MultiClient
}

// newApp loads the configuration and builds the logger and the model
// clients.
func newApp(stderr io.Writer, opts options) (*app, error) {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}

	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(stderr, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath, "servers", len(cfg.MCP.Servers))

	a := &app{cfg: cfg, logger: logger, bus: events.New()}
	a.createLLMClient()
	return a, nil
}

// loadConfig locates and parses the YAML configuration file. Returns the
// parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// createLLMClient builds the multi-provider client. Ollama is always
// registered; Gemini only with an API key. Models named "gemini-..." go
// to Gemini, everything else to models.provider.
func (a *app) createLLMClient() {
	a.ollama = llm.NewOllamaClient(a.cfg.Ollama.URL, a.logger)

	var fallback llm.Client = a.ollama
	if a.cfg.Gemini.APIKey != "" {
		a.gemini = llm.NewGeminiClient(a.cfg.Gemini.BaseURL, a.cfg.Gemini.APIKey, a.logger)
		if a.cfg.Models.Provider == "gemini" {
			fallback = a.gemini
		}
	} else if a.cfg.Models.Provider == "gemini" {
		a.logger.Warn("models.provider is gemini but gemini.api_key is empty, using ollama")
	}

	a.llm = llm.NewMultiClient(fallback)
	a.llm.AddProvider("ollama", a.ollama)
	if a.gemini != nil {
		a.llm.AddProvider("gemini", a.gemini)
		a.llm.AddPrefix("gemini-", "gemini")
	}
	a.logger.Debug("LLM client initialized", "providers", a.llm.Providers(), "default_model", a.cfg.Models.Default)
}

// connect starts the host and connects every configured server. Servers
// that fail are logged and skipped.
func (a *app) connect(ctx context.Context) {
	a.host = host.New(host.WithLogger(a.logger), host.WithBus(a.bus))
	if err := a.host.ConnectAll(ctx, a.cfg.MCP.Servers); err != nil {
		a.logger.Warn("some MCP servers failed to connect", "error", err)
	}
}

// openHistory opens the conversation database under data_dir.
func (a *app) openHistory() error {
	if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", a.cfg.DataDir, err)
	}
	dbPath := filepath.Join(a.cfg.DataDir, "history.db")
	store, err := history.Open(dbPath)
	if err != nil {
		return err
	}
	a.store = store
	a.logger.Debug("history database opened", "path", dbPath)
	return nil
}

func (a *app) Close() {
	if a.host != nil {
		a.host.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

func runServers(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	a, err := newApp(stderr, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	a.connect(ctx)

	servers := a.host.Servers()
	if opts.output == "json" {
		type serverJSON struct {
			Name         string `json:"name"`
			Configured   string `json:"configured"`
			Transport    string `json:"transport"`
			Status       string `json:"status"`
			Title        string `json:"title,omitempty"`
			Version      string `json:"version"`
			Protocol     string `json:"protocol"`
			Instructions string `json:"instructions,omitempty"`
			Tools        int    `json:"tools"`
		}
		out := make([]serverJSON, len(servers))
		for i, s := range servers {
			out[i] = serverJSON{
				Name:         s.Name,
				Configured:   s.Configured,
				Transport:    s.Transport,
				Status:       s.Status.String(),
				Title:        s.Title,
				Version:      s.Version,
				Protocol:     s.Protocol,
				Instructions: s.Instructions,
				Tools:        s.Tools,
			}
		}
		return writeJSON(stdout, out)
	}

	if len(servers) == 0 {
		fmt.Fprintln(stdout, "No MCP servers connected.")
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTRANSPORT\tSTATUS\tVERSION\tPROTOCOL\tTOOLS")
	for _, s := range servers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", s.Name, s.Transport, s.Status, s.Version, s.Protocol, s.Tools)
	}
	return tw.Flush()
}

func runTools(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	a, err := newApp(stderr, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	a.connect(ctx)

	bindings := a.host.Bindings()
	if opts.output == "json" {
		type toolJSON struct {
			Name   string   `json:"name"`
			Server string   `json:"server"`
			Tool   mcp.Tool `json:"tool"`
		}
		out := make([]toolJSON, len(bindings))
		for i, b := range bindings {
			out[i] = toolJSON{Name: b.Name, Server: b.Server, Tool: b.Tool}
		}
		return writeJSON(stdout, out)
	}

	if len(bindings) == 0 {
		fmt.Fprintln(stdout, "No tools available.")
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSERVER\tTOOL\tDESCRIPTION")
	for _, b := range bindings {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.Name, b.Server, b.Tool.Name, firstLine(b.Tool.Description))
	}
	return tw.Flush()
}

// runCall handles "nexa call <server> <tool> [json]". A Fail response or
// a result flagged isError exits non-zero.
func runCall(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	serverName, tool := args[0], args[1]
	var params map[string]any
	if len(args) == 3 {
		if err := json.Unmarshal([]byte(args[2]), &params); err != nil {
			return fmt.Errorf("tool arguments must be a JSON object: %w", err)
		}
		if params == nil {
			return fmt.Errorf("tool arguments must be a JSON object, got %s", args[2])
		}
	}

	a, err := newApp(stderr, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	a.connect(ctx)

	id := uuid.NewString()
	resp, err := a.host.CallTool(ctx, serverName, tool, id, id, params)
	if err != nil {
		return fmt.Errorf("call %s/%s: %w", serverName, tool, err)
	}

	if opts.output == "json" {
		if err := writeJSON(stdout, resp); err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("call %s/%s: %w", serverName, tool, resp.Error)
		}
		return nil
	}

	if resp.IsError() {
		return fmt.Errorf("call %s/%s: %w", serverName, tool, resp.Error)
	}
	result, err := mcp.DecodeCallToolResult(resp)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, result.Text())
	if result.IsError {
		return fmt.Errorf("call %s/%s: tool reported an error", serverName, tool)
	}
	return nil
}

func runModels(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	a, err := newApp(stderr, opts)
	if err != nil {
		return err
	}

	models, err := a.llm.ChatModels(ctx)
	if err != nil {
		a.logger.Warn("model discovery incomplete", "error", err)
	}
	if opts.output == "json" {
		return writeJSON(stdout, models)
	}

	for _, provider := range a.llm.Providers() {
		fmt.Fprintf(stdout, "%s:\n", provider)
		names, ok := models[provider]
		if !ok {
			fmt.Fprintln(stdout, "  (unavailable)")
			continue
		}
		for _, name := range names {
			fmt.Fprintf(stdout, "  %s\n", name)
		}
	}
	return nil
}

// runHistory lists conversations, prints one, or with "rm" deletes one.
func runHistory(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	a, err := newApp(stderr, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.openHistory(); err != nil {
		return err
	}

	switch {
	case len(args) == 0:
		convs, err := a.store.Conversations(ctx)
		if err != nil {
			return err
		}
		if opts.output == "json" {
			return writeJSON(stdout, convs)
		}
		if len(convs) == 0 {
			fmt.Fprintln(stdout, "No conversations.")
			return nil
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tUPDATED\tMESSAGES\tTITLE")
		for _, c := range convs {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.ID, c.UpdatedAt.Local().Format("2006-01-02 15:04"), c.Messages, c.Title)
		}
		return tw.Flush()

	case args[0] == "rm":
		if len(args) != 2 {
			return errors.New("usage: nexa history rm <conversation>")
		}
		if err := a.store.DeleteConversation(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Deleted %s\n", args[1])
		return nil

	default:
		recs, err := a.store.Messages(ctx, args[0])
		if err != nil {
			return err
		}
		if opts.output == "json" {
			return writeJSON(stdout, recs)
		}
		for _, r := range recs {
			printMessage(stdout, r.Message)
		}
		return nil
	}
}

// printMessage renders one stored message for the terminal.
func printMessage(w io.Writer, m llm.Message) {
	switch {
	case m.Role == llm.RoleTool:
		fmt.Fprintf(w, "[%s] %s\n", m.ToolName, m.Content)
	case len(m.ToolCalls) > 0:
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Function.Arguments)
			fmt.Fprintf(w, "%s: -> %s %s\n", m.Role, tc.Function.Name, args)
		}
	default:
		fmt.Fprintf(w, "%s: %s\n", m.Role, m.Content)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	return s
}
