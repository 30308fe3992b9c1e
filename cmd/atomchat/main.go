package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vadim/atom/internal/client/api"
	"github.com/vadim/atom/internal/client/chat"
	"github.com/vadim/atom/internal/client/notify"
	"github.com/vadim/atom/internal/client/toast"
	"github.com/vadim/atom/internal/config"
	"github.com/vadim/atom/internal/domain/chat/entity"
	"github.com/vadim/atom/internal/realtime/client"
	"github.com/vadim/atom/internal/session"
)

const help = `commands:
  <text>                 send a message
  /reply <id> <text>     reply to a message
  /edit <id> <text>      edit one of your messages
  /delete <id>           delete one of your messages
  /read                  mark notifications read
  /quit                  leave`

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	cmd := newRootCmd(&cfg, os.Stdin)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command line. Flags default to the loaded config.
func newRootCmd(cfg *config.Client, in io.Reader) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "atomchat <chat-id>",
		Short:        "Follow and write to an Atom chat from the terminal",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		PreRunE: func(*cobra.Command, []string) error {
			if cfg.Token == "" {
				return errors.New("a session token is required (--token or ATOM_TOKEN)")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, *cfg, args[0], in, cmd.OutOrStdout(), logger); err != nil {
				logger.Error("atomchat failed", "error", err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.Token, "token", cfg.Token, "session token")
	cmd.Flags().StringVar(&cfg.APIURL, "api", cfg.APIURL, "REST API base URL")
	cmd.Flags().StringVar(&cfg.RealtimeURL, "ws", cfg.RealtimeURL, "realtime websocket URL")
	return cmd
}

func run(ctx context.Context, cfg config.Client, chatID string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	userID, err := session.Subject(cfg.Token)
	if err != nil {
		return err
	}

	rest := api.New(cfg.APIURL, api.WithToken(cfg.Token))
	conv, err := rest.GetChat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("loading chat: %w", err)
	}

	rt, err := client.Dial(ctx, cfg.RealtimeURL, cfg.Token, client.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("connecting realtime: %w", err)
	}
	defer rt.Close()

	toaster := toast.NewLogger(logger)

	store, err := chat.Open(ctx, rt, chatID, conv.Messages, chat.WithToaster(toaster), chat.WithLogger(logger))
	if err != nil {
		return err
	}
	defer store.Close()

	notifications := notify.New(rt, rest, userID, toaster, logger)
	notifications.OnUpdate(func() {
		fmt.Fprintf(out, "* %d unread notifications\n", notifications.Unread())
	})
	if err := notifications.Start(ctx); err != nil {
		logger.Warn("notifications unavailable", "error", err)
	}
	defer notifications.Close()

	r := &renderer{out: out, store: store, participants: conv.Participants, seen: make(map[string]string)}
	updates, cancel := store.Watch()
	defer cancel()
	go func() {
		for snapshot := range updates {
			r.render(snapshot)
		}
	}()

	fmt.Fprintln(out, help)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, rest, notifications, chatID, strings.TrimSpace(line))
			if err != nil {
				toaster.Error("Command failed", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, rest *api.Client, notifications *notify.Store, chatID, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := rest.SendMessage(ctx, chatID, line, nil)
		return false, err
	}

	cmd, args, _ := strings.Cut(line, " ")
	id, text, _ := strings.Cut(strings.TrimSpace(args), " ")

	switch cmd {
	case "/quit":
		return true, nil
	case "/read":
		return false, notifications.MarkAllRead(ctx)
	case "/reply":
		_, err := rest.SendMessage(ctx, chatID, text, &id)
		return false, err
	case "/edit":
		_, err := rest.EditMessage(ctx, chatID, id, text)
		return false, err
	case "/delete":
		return false, rest.DeleteMessage(ctx, chatID, id)
	default:
		return false, fmt.Errorf("unknown command %q", cmd)
	}
}

// renderer prints the difference between consecutive snapshots
type renderer struct {
	out          io.Writer
	store        *chat.Store
	participants []entity.Participant
	// message id to last printed content
	seen map[string]string
}

func (r *renderer) render(snapshot []entity.Message) {
	present := make(map[string]bool, len(snapshot))
	for _, m := range snapshot {
		present[m.ID] = true
		prev, ok := r.seen[m.ID]
		switch {
		case !ok:
			r.print(m, "")
		case prev != m.Content:
			r.print(m, " (edited)")
		default:
			continue
		}
		r.seen[m.ID] = m.Content
	}

	for id := range r.seen {
		if !present[id] {
			fmt.Fprintf(r.out, "- message %s deleted\n", id)
			delete(r.seen, id)
		}
	}
}

func (r *renderer) print(m entity.Message, suffix string) {
	if ref := r.store.ResolveReply(m, r.participants); ref.Resolved {
		fmt.Fprintf(r.out, "  > %s: %s\n", ref.SenderName, ref.Content)
	}
	fmt.Fprintf(r.out, "[%s] %s %s: %s%s\n", m.SentAt.Local().Format("15:04"), m.ID, r.sender(m.SenderID), m.Content, suffix)
}

func (r *renderer) sender(id string) string {
	for _, p := range r.participants {
		if p.ID == id {
			return p.DisplayNameOr()
		}
	}
	return id
}
