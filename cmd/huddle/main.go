// ABOUTME: huddle is a terminal chat client with shared AI replies
// ABOUTME: Joins a conversation over the configured transport and streams AI answers to plain lines

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/2389/coven-huddle/internal/aistream"
	"github.com/2389/coven-huddle/internal/channel"
	"github.com/2389/coven-huddle/internal/config"
	"github.com/2389/coven-huddle/internal/event"
	"github.com/2389/coven-huddle/internal/logging"
	"github.com/2389/coven-huddle/internal/session"
	"github.com/2389/coven-huddle/internal/transcript"
)

func main() {
	_ = godotenv.Load(".env")

	configPath := flag.String("config", config.DefaultPath(), "config file (YAML or TOML)")
	userID := flag.String("user", "", "user id, overrides identity.user_id")
	name := flag.String("name", "", "display name, overrides identity.display_name")
	conversationID := flag.String("conversation", "general", "conversation to join")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *userID != "" {
		cfg.Identity.UserID = *userID
	}
	if *name != "" {
		cfg.Identity.DisplayName = *name
	}
	if err := cfg.ValidateClient(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v (set identity.user_id or pass -user)\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *conversationID, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

// loadConfig reads path, falling back to defaults when no file exists.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

func newStreamer(cfg *config.Config) aistream.Streamer {
	if cfg.AI.Provider == config.ProviderGateway {
		return &aistream.GatewayStreamer{
			BaseURL: strings.TrimRight(cfg.AI.GatewayURL, "/"),
			Token:   cfg.AI.Token,
			Sender:  cfg.Identity.UserID,
			AgentID: cfg.AI.AgentID,
		}
	}
	return aistream.EchoStreamer{Delay: cfg.AI.EchoDelay}
}

func run(ctx context.Context, cfg *config.Config, conversationID string, in io.Reader, out io.Writer) error {
	logger := logging.New(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	transport, closeTransport, err := channel.Open(ctx, cfg.Transport, logger)
	if err != nil {
		return fmt.Errorf("opening transport: %w", err)
	}
	defer func() { _ = closeTransport() }()

	self := event.Envelope{
		UserID: cfg.Identity.UserID,
		Metadata: event.Metadata{
			DisplayName: cfg.Identity.DisplayName,
			Email:       cfg.Identity.Email,
			Status:      cfg.Identity.Status,
		},
	}

	client, err := session.NewClient(session.Config{
		Self:          self,
		Transport:     transport,
		Streamer:      newStreamer(cfg),
		Model:         cfg.AI.Model,
		ChannelPrefix: cfg.Transport.ChannelPrefix,
		TypingTTL:     cfg.Typing.TTL,
		SweepInterval: cfg.Typing.SweepInterval,
		TypingIdle:    cfg.Typing.IdleTimeout,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	defer func() { _ = client.Close() }()

	v := newView(out, client, self.UserID)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Updates():
				v.refresh()
			}
		}
	}()

	if err := join(ctx, client, v, conversationID); err != nil {
		return err
	}
	fmt.Fprintln(out, "Type a message and press Enter to ask the AI. /help for commands. Ctrl+C to quit.")

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			readErr <- err
			return
		}
		readErr <- io.EOF
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case line = <-lines:
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			ask(ctx, client, v, line, "")
			continue
		}
		if quit := command(ctx, client, v, line); quit {
			return nil
		}
	}
}

func join(ctx context.Context, client *session.Client, v *view, conversationID string) error {
	if err := client.Switch(ctx, conversationID); err != nil {
		return fmt.Errorf("joining %s: %w", conversationID, err)
	}
	if client.Realtime() {
		v.printf(green, "Joined %s\n", conversationID)
	} else {
		v.printf(yellow, "Joined %s (local only, realtime unavailable)\n", conversationID)
	}
	return nil
}

// ask posts content and streams the AI reply in the background.
func ask(ctx context.Context, client *session.Client, v *view, content, parentID string) {
	go func() {
		_, err := client.Send(ctx, content, parentID)
		switch {
		case err == nil, errors.Is(err, aistream.ErrCanceled):
		case errors.Is(err, aistream.ErrBusy):
			v.printf(yellow, "Still waiting for the previous answer\n")
		case errors.Is(err, aistream.ErrStream):
			// the error notice is already in the conversation
		default:
			v.printf(red, "[error] %v\n", err)
		}
	}()
}

// command handles a slash command and reports whether to quit.
func command(ctx context.Context, client *session.Client, v *view, line string) bool {
	name, args, _ := strings.Cut(line, " ")
	args = strings.TrimSpace(args)

	switch name {
	case "/quit", "/exit", "/q":
		return true

	case "/help":
		printHelp(v)

	case "/join":
		if args == "" {
			v.printf(nil, "Usage: /join <conversation>\n")
			return false
		}
		if err := join(ctx, client, v, args); err != nil {
			v.printf(red, "[error] %v\n", err)
		}

	case "/leave":
		if err := client.Switch(ctx, ""); err != nil {
			v.printf(red, "[error] %v\n", err)
		}
		v.printf(nil, "Left the conversation\n")

	case "/react":
		ref, emoji, ok := strings.Cut(args, " ")
		emoji = strings.TrimSpace(emoji)
		if !ok || emoji == "" {
			v.printf(nil, "Usage: /react <n|message-id> <emoji>\n")
			return false
		}
		id, found := resolveRef(client.Messages(), ref)
		if !found {
			v.printf(red, "No message %s\n", ref)
			return false
		}
		if err := client.React(id, emoji); err != nil {
			v.printf(red, "[error] %v\n", err)
			return false
		}
		v.history()

	case "/reply":
		ref, text, ok := strings.Cut(args, " ")
		text = strings.TrimSpace(text)
		if !ok || text == "" {
			v.printf(nil, "Usage: /reply <n|message-id> <text>\n")
			return false
		}
		id, found := resolveRef(client.Messages(), ref)
		if !found {
			v.printf(red, "No message %s\n", ref)
			return false
		}
		ask(ctx, client, v, text, id)

	case "/draft":
		client.InputChanged(args)

	case "/who":
		v.who()

	case "/typing":
		line := typingLine(client.Typing(), "")
		if line == "" {
			line = "Nobody is typing"
		}
		v.printf(nil, "%s\n", line)

	case "/history":
		v.history()

	case "/export":
		if args == "" {
			v.printf(nil, "Usage: /export <file.md|file.html>\n")
			return false
		}
		if err := export(client, args); err != nil {
			v.printf(red, "[error] %v\n", err)
			return false
		}
		v.printf(green, "Wrote %s\n", args)

	default:
		v.printf(red, "Unknown command %s, try /help\n", name)
	}
	return false
}

func export(client *session.Client, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	opts := transcript.Options{Title: "Conversation " + client.ConversationID()}
	if err := transcript.Write(f, transcript.FormatForPath(path), client.Messages(), opts); err != nil {
		return err
	}
	return f.Close()
}

func printHelp(v *view) {
	v.printf(nil, `Commands:
  <text>                   Post a message and ask the AI
  /reply <n|id> <text>     Reply to a message
  /react <n|id> <emoji>    Toggle a reaction
  /history                 List messages with numbers and reactions
  /who                     Show who is online
  /typing                  Show who is typing
  /draft <text>            Set your draft (others see you typing)
  /join <conversation>     Switch conversation
  /leave                   Leave the conversation
  /export <file>           Write a transcript (.md or .html)
  /help                    Show this help
  /quit                    Exit
`)
}
