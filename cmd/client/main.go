package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/sealroom/sealroom/internal/chat"
	"github.com/sealroom/sealroom/internal/client"
	"github.com/sealroom/sealroom/internal/config"
	"github.com/sealroom/sealroom/internal/crypto/seal"
	"github.com/sealroom/sealroom/internal/httpapi"
	"github.com/sealroom/sealroom/internal/invitation"
	"github.com/sealroom/sealroom/internal/keystore"
	"github.com/sealroom/sealroom/internal/logging"
)

const usage = `usage: client [flags] <command> [args]

commands:
  create [-name N] <user>...      create a chat and invite users
  invite -chat C [-role R] <user> invite a user to a chat you administer
  pending                         list invitations addressed to you
  sent -chat C                    list your unanswered invitations and drop answered pre-keys
  join [invitation]...            accept invitations (all pending when none given)
  decline <invitation>            decline an invitation
  send -chat C <text>...          seal and send a message
  listen -chat C                  print incoming messages until interrupted
  history -chat C [-limit N]      print stored messages addressed to you
  leave -chat C                   leave a chat and forget its keys

flags:
`

type app struct {
	userID    string
	api       *httpapi.Client
	initiator *invitation.Initiator
	messenger *client.Messenger
	out       io.Writer
	log       *zap.Logger
}

func main() {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML/JSON config file (optional, keystore section)")
	nodeURL := fs.String("node", envOr("SEALROOM_NODE", "http://127.0.0.1:8080"), "Node base URL")
	token := fs.String("token", os.Getenv("SEALROOM_TOKEN"), "Bearer token (default $SEALROOM_TOKEN)")
	userID := fs.String("user", os.Getenv("SEALROOM_USER"), "Your user id, the token subject (default $SEALROOM_USER)")
	timeout := fs.Duration("timeout", 30*time.Second, "Timeout for one-shot commands")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])
	if fs.NArg() == 0 || *userID == "" || *token == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.NewConsoleLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openKeystore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open keystore", zap.Error(err))
	}
	defer closeStore()

	api, err := httpapi.NewClient(*nodeURL, *token, nil)
	if err != nil {
		logger.Fatal("node client", zap.Error(err))
	}
	engine := seal.NewEngine(store, nil, logger)
	a := &app{
		userID:    *userID,
		api:       api,
		initiator: invitation.NewInitiator(engine, store, api, logger),
		messenger: client.NewMessenger(*userID, engine, store, api, logger),
		out:       os.Stdout,
		log:       logger,
	}

	cmd, args := fs.Arg(0), fs.Args()[1:]
	if cmd != "listen" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	if err := a.run(ctx, cmd, args); err != nil {
		logger.Error("command failed", zap.String("command", cmd), zap.Error(err))
		closeStore()
		os.Exit(1)
	}
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "create":
		return a.create(ctx, args)
	case "invite":
		return a.invite(ctx, args)
	case "pending":
		return a.pending(ctx)
	case "sent":
		return a.sent(ctx, args)
	case "join":
		return a.join(ctx, args)
	case "decline":
		return a.decline(ctx, args)
	case "send":
		return a.send(ctx, args)
	case "listen":
		return a.listen(ctx, args)
	case "history":
		return a.history(ctx, args)
	case "leave":
		return a.leave(ctx, args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) create(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	name := fs.String("name", "", "Chat name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	invitees := make([]invitation.Invitee, 0, fs.NArg())
	for _, u := range fs.Args() {
		invitees = append(invitees, invitation.Invitee{UserID: u})
	}
	resp, err := a.initiator.CreateChat(ctx, *name, invitees)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "chat %s\n", resp.Chat.ID)
	for _, inv := range resp.Invitations {
		fmt.Fprintf(a.out, "  invited %s (%s)\n", inv.InvitedUserID, inv.ID)
	}
	return nil
}

func (a *app) invite(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("invite", flag.ContinueOnError)
	chatID := fs.String("chat", "", "Chat id")
	roleFlag := fs.String("role", "", "participant or admin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *chatID == "" || fs.NArg() != 1 {
		return errors.New("invite needs -chat and exactly one user")
	}
	role, err := chat.ParseRole(*roleFlag)
	if err != nil {
		return err
	}
	inv, err := a.initiator.Invite(ctx, *chatID, fs.Arg(0), role)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "invited %s (%s)\n", inv.InvitedUserID, inv.ID)
	return nil
}

func (a *app) pending(ctx context.Context) error {
	invs, err := a.api.Pending(ctx)
	if err != nil {
		return err
	}
	for _, inv := range invs {
		fmt.Fprintf(a.out, "%s chat=%s from=%s role=%s\n", inv.ID, inv.ChatID, inv.InviterID, inv.Role)
	}
	return nil
}

func (a *app) sent(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sent", flag.ContinueOnError)
	chatID := fs.String("chat", "", "Chat id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *chatID == "" {
		return errors.New("sent needs -chat")
	}
	pruned, err := a.initiator.PrunePreKeys(ctx, *chatID)
	if err != nil {
		return err
	}
	invs, err := a.api.Sent(ctx, *chatID)
	if err != nil {
		return err
	}
	for _, inv := range invs {
		fmt.Fprintf(a.out, "%s to=%s role=%s\n", inv.ID, inv.InvitedUserID, inv.Role)
	}
	if pruned > 0 {
		fmt.Fprintf(a.out, "dropped %d answered pre-keys\n", pruned)
	}
	return nil
}

func (a *app) join(ctx context.Context, args []string) error {
	invs, err := a.selectInvitations(ctx, args)
	if err != nil {
		return err
	}
	if len(invs) == 0 {
		return errors.New("no pending invitations")
	}
	for _, inv := range invs {
		resp, err := a.initiator.Join(ctx, inv)
		if err != nil {
			return fmt.Errorf("join %s: %w", inv.ID, err)
		}
		fmt.Fprintf(a.out, "joined chat %s as %s\n", resp.Chat.ID, resp.Participant.ID)
	}
	return nil
}

func (a *app) decline(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("decline needs exactly one invitation id")
	}
	invs, err := a.selectInvitations(ctx, args)
	if err != nil {
		return err
	}
	return a.initiator.Decline(ctx, invs[0])
}

// selectInvitations returns the pending invitations named by ids, or all of them when ids is empty.
func (a *app) selectInvitations(ctx context.Context, ids []string) ([]chat.Invitation, error) {
	invs, err := a.api.Pending(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return invs, nil
	}
	byID := make(map[string]chat.Invitation, len(invs))
	for _, inv := range invs {
		byID[inv.ID] = inv
	}
	out := make([]chat.Invitation, 0, len(ids))
	for _, id := range ids {
		inv, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("invitation %s: %w", id, chat.ErrNotFound)
		}
		out = append(out, inv)
	}
	return out, nil
}

func (a *app) send(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	chatID := fs.String("chat", "", "Chat id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *chatID == "" || fs.NArg() == 0 {
		return errors.New("send needs -chat and a message")
	}
	conn, err := a.connect(ctx, *chatID)
	if err != nil {
		return err
	}
	defer conn.Close()

	n, err := conn.Send(ctx, []byte(strings.Join(fs.Args(), " ")))
	if err != nil {
		return err
	}
	a.log.Info("message sent", zap.String("chat_id", *chatID), zap.Int("copies", n))
	return nil
}

func (a *app) listen(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	chatID := fs.String("chat", "", "Chat id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *chatID == "" {
		return errors.New("listen needs -chat")
	}
	conn, err := a.connect(ctx, *chatID)
	if err != nil {
		return err
	}
	defer conn.Close()

	msgs, errs := conn.Messages(), conn.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("connection closed by node")
			}
			a.print(msg)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			a.log.Warn("realtime error", zap.Error(err))
		}
	}
}

func (a *app) history(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	chatID := fs.String("chat", "", "Chat id")
	limit := fs.Int("limit", 0, "Maximum messages (0 = node default)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *chatID == "" {
		return errors.New("history needs -chat")
	}
	msgs, err := a.messenger.History(ctx, *chatID, *limit)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		a.print(msg)
	}
	return nil
}

func (a *app) leave(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("leave", flag.ContinueOnError)
	chatID := fs.String("chat", "", "Chat id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *chatID == "" {
		return errors.New("leave needs -chat")
	}
	return a.initiator.Leave(ctx, *chatID)
}

func (a *app) connect(ctx context.Context, chatID string) (*client.Conn, error) {
	ws, err := a.api.DialRealtime(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := a.messenger.Connect(ctx, ws, chatID)
	if err != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "")
		return nil, err
	}
	return conn, nil
}

func (a *app) print(msg client.Message) {
	fmt.Fprintf(a.out, "[%s] %s: %s\n", msg.CreatedAt.Local().Format(time.TimeOnly), msg.SenderUserID, msg.Plaintext)
}

// openKeystore opens the configured backend and returns a func that releases it.
func openKeystore(ctx context.Context, cfg config.Config, log *zap.Logger) (keystore.Store, func(), error) {
	switch cfg.Keystore.Backend {
	case config.KeystoreMemory:
		log.Warn("using in-memory keystore; chat keys are lost on exit")
		return keystore.NewMemoryBackend(), func() {}, nil
	case config.KeystoreBadger:
		b, err := keystore.OpenBadgerBackend(keystore.BadgerOptions{Path: cfg.Keystore.Path, Log: log})
		if err != nil {
			return nil, nil, err
		}
		var once bool
		return b, func() {
			if once {
				return
			}
			once = true
			if err := b.Close(); err != nil {
				log.Warn("close keystore", zap.Error(err))
			}
		}, nil
	default:
		passphrase, err := cfg.Passphrase()
		if err != nil {
			return nil, nil, err
		}
		b := keystore.NewFileBackend(cfg.Keystore.Path)
		if err := b.Unlock(ctx, passphrase); err != nil {
			if !errors.Is(err, keystore.ErrNotInitialized) {
				return nil, nil, err
			}
			if err := b.Initialize(ctx, passphrase); err != nil {
				return nil, nil, err
			}
			log.Info("initialized new keystore", zap.String("path", b.Path()))
		}
		return b, func() {}, nil
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
