package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jazzcort/nexa/internal/chat"
	"github.com/jazzcort/nexa/internal/connwatch"
	"github.com/jazzcort/nexa/internal/events"
	"github.com/jazzcort/nexa/internal/llm"
)

// chatFlags are the options of the chat subcommand.
type chatFlags struct {
	provider     string
	model        string
	conversation string
	message      string
}

func parseChatFlags(args []string) (chatFlags, error) {
	var f chatFlags
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case len(words) > 0:
			words = append(words, args[i])
		case args[i] == "-provider" && i+1 < len(args):
			f.provider = args[i+1]
			i++
		case args[i] == "-model" && i+1 < len(args):
			f.model = args[i+1]
			i++
		case args[i] == "-c" && i+1 < len(args):
			f.conversation = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-provider="):
			f.provider = strings.TrimPrefix(args[i], "-provider=")
		case strings.HasPrefix(args[i], "-model="):
			f.model = strings.TrimPrefix(args[i], "-model=")
		case strings.HasPrefix(args[i], "-c="):
			f.conversation = strings.TrimPrefix(args[i], "-c=")
		case args[i] == "--":
			words = append(words, args[i+1:]...)
			i = len(args)
		case strings.HasPrefix(args[i], "-"):
			return f, fmt.Errorf("unknown chat flag: %s", args[i])
		default:
			words = append(words, args[i])
		}
	}
	f.message = strings.Join(words, " ")
	if f.provider != "" && f.provider != "ollama" && f.provider != "gemini" {
		return f, fmt.Errorf("unknown provider: %q (expected ollama or gemini)", f.provider)
	}
	return f, nil
}

// runChat handles "nexa chat". With a message it runs one turn and
// exits; without one it reads turns from stdin until EOF or /exit.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts options, args []string) error {
	f, err := parseChatFlags(args)
	if err != nil {
		return err
	}

	a, err := newApp(stderr, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	model := f.model
	if model == "" {
		model = a.cfg.Models.Default
	}
	if model == "" {
		return errors.New("no model selected: pass -model or set models.default")
	}
	if f.provider != "" {
		if f.provider == "gemini" && a.gemini == nil {
			return errors.New("provider gemini requires gemini.api_key")
		}
		a.llm.AddModel(model, f.provider)
	}

	if err := a.openHistory(); err != nil {
		return err
	}
	convID := f.conversation
	if convID == "" {
		conv, err := a.store.CreateConversation(ctx, "", model)
		if err != nil {
			return err
		}
		convID = conv.ID
	} else if _, err := a.store.Conversation(ctx, convID); err != nil {
		return fmt.Errorf("conversation %s: %w", convID, err)
	}

	a.connect(ctx)

	loop := chat.New(a.llm, a.host, a.store, chat.Config{
		Model:         model,
		MaxIterations: a.cfg.Chat.MaxIterations,
		SystemPrompt:  a.cfg.Chat.SystemPrompt,
	}, chat.WithLogger(a.logger), chat.WithBus(a.bus))

	if f.message != "" {
		return chatTurn(ctx, loop, stdout, opts, convID, f.message)
	}
	if opts.output == "json" {
		return errors.New("interactive chat does not support -o json; pass a message")
	}

	stopWatch := a.watch(ctx)
	defer stopWatch()
	stopNotices := showNotices(a.bus, stderr)
	defer stopNotices()

	fmt.Fprintf(stderr, "Chatting with %s (conversation %s). /exit to quit.\n", model, convID)
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(stdout)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}
		if err := chatTurn(ctx, loop, stdout, opts, convID, line); err != nil {
			if ctx.Err() != nil {
				return err
			}
			fmt.Fprintf(stderr, "error: %v\n", err)
		}
	}
}

// chatTurn runs one turn. Text output streams tokens as they arrive;
// JSON output prints the turn summary once it completes.
func chatTurn(ctx context.Context, loop *chat.Loop, stdout io.Writer, opts options, convID, message string) error {
	var cb llm.StreamCallback
	var streamed bool
	if opts.output == "text" {
		cb = func(e llm.StreamEvent) {
			if e.Kind == llm.KindToken {
				streamed = true
				fmt.Fprint(stdout, e.Token)
			}
		}
	}

	res, err := loop.Run(ctx, convID, message, cb)
	if err != nil {
		if streamed {
			fmt.Fprintln(stdout)
		}
		return err
	}

	if opts.output == "json" {
		return writeJSON(stdout, map[string]any{
			"conversation_id": res.ConversationID,
			"model":           res.Model,
			"content":         res.Content,
			"iterations":      res.Iterations,
			"tool_calls":      res.ToolCalls,
			"input_tokens":    res.InputTokens,
			"output_tokens":   res.OutputTokens,
			"exhausted":       res.Exhausted,
		})
	}
	if !streamed {
		// The final text of an exhausted turn comes from a separate call.
		fmt.Fprint(stdout, res.Content)
	}
	fmt.Fprintln(stdout)
	return nil
}

// watch tracks the model providers and connected MCP servers for the
// length of an interactive session.
func (a *app) watch(ctx context.Context) func() {
	mgr := connwatch.NewManager(connwatch.WithLogger(a.logger), connwatch.WithBus(a.bus))

	mgr.Watch(ctx, connwatch.WatcherConfig{Name: "ollama", Probe: connwatch.PingProbe(a.ollama)})
	if a.gemini != nil {
		mgr.Watch(ctx, connwatch.WatcherConfig{Name: "gemini", Probe: connwatch.PingProbe(a.gemini)})
	}
	for _, s := range a.host.Servers() {
		client, ok := a.host.Client(s.Name)
		if !ok {
			continue
		}
		mgr.Watch(ctx, connwatch.WatcherConfig{Name: "mcp:" + s.Name, Probe: connwatch.PingProbe(client)})
	}
	return mgr.Stop
}

// showNotices prints tool activity and connection changes to w until
// the returned stop function is called.
func showNotices(bus *events.Bus, w io.Writer) func() {
	ch := bus.Subscribe(64, events.KindToolCall, events.KindServerDisconnected, events.KindServiceState)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			switch e.Kind {
			case events.KindToolCall:
				fmt.Fprintf(w, "[calling %s/%s]\n", e.Data["server"], e.Data["tool"])
			case events.KindServerDisconnected:
				fmt.Fprintf(w, "[server %s disconnected]\n", e.Data["server"])
			case events.KindServiceState:
				if ready, _ := e.Data["ready"].(bool); !ready {
					fmt.Fprintf(w, "[%s unreachable: %v]\n", e.Data["service"], e.Data["error"])
				}
			}
		}
	}()
	return func() {
		bus.Unsubscribe(ch)
		<-done
	}
}
