// chat is the interactive VeilChat client: one end-to-end encrypted
// conversation per run, delivered over the relay's dual transport.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"golang.org/x/term"

	"github.com/veilchat/messenger/config"
	"github.com/veilchat/messenger/internal/chat"
	"github.com/veilchat/messenger/internal/directory"
	"github.com/veilchat/messenger/internal/identity"
	"github.com/veilchat/messenger/internal/observability"
	"github.com/veilchat/messenger/internal/retry"
	"github.com/veilchat/messenger/internal/transport"
)

const version = "0.1.0"

var tracer = otel.Tracer("veilchat-chat")

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	userID := flag.String("user", cfg.UserID, "local user id")
	peerID := flag.String("peer", "", "counterpart user id")
	relayURL := flag.String("relay", cfg.RelayURL, "relay base URL")
	flag.Parse()

	if *userID == "" || *peerID == "" {
		fmt.Fprintln(os.Stderr, "Both -user and -peer are required (VEILCHAT_USER_ID sets the default user).")
		os.Exit(1)
	}

	log := observability.NewConsoleLogger("veilchat", version, os.Stderr).WithUser(*userID)
	metrics := observability.NewMetrics()

	ctx := context.Background()

	shutdownTracing, err := observability.InitTracing(ctx, "veilchat-chat", cfg.TracingEndpoint)
	if err != nil {
		log.Error(err, "failed to initialize tracing")
	} else {
		defer shutdownTracing(context.Background())
	}

	token, err := transport.MintToken(ctx, *relayURL, *userID)
	if err != nil {
		log.Fatal(err, "failed to authenticate with relay")
	}

	dir := directory.NewClient(*relayURL, token, log)
	keys := directory.NewKeyCache(dir, directory.Options{
		PositiveTTL: cfg.KeyPositiveTTL,
		NegativeTTL: cfg.KeyNegativeTTL,
		Retry:       retry.Policy{Attempts: cfg.FetchRetries, Delay: cfg.FetchRetryDelay},
	}, log, metrics)

	backend, err := identity.OpenBolt(cfg.KeystorePath)
	if err != nil {
		log.Fatal(err, "failed to open keystore")
	}
	defer backend.Close()

	passphrase, err := resolvePassphrase(backend, cfg.Passphrase)
	if err != nil {
		log.Fatal(err, "failed to read passphrase")
	}

	ids := identity.NewStore(backend, dir, passphrase, log, metrics)
	if err := ids.Activate(ctx); err != nil {
		log.Fatal(err, "failed to activate identity")
	}

	if cfg.MetricsAddress != "" {
		go serveDebug(cfg.MetricsAddress, metrics, ids, log)
	}

	api := transport.NewAPIClient(*relayURL, token, log)

	// A dead realtime channel is degraded operation, not a startup failure;
	// sends run on the request/response transport until the next run.
	var realtime chat.Realtime
	if rt, err := transport.DialRealtime(ctx, wsURL(*relayURL), token, log, metrics); err != nil {
		log.Error(err, "realtime channel unavailable, running on fallback transport")
	} else {
		realtime = rt
	}

	session := chat.NewSession(*userID, *peerID, ids, keys, realtime, api, chat.Options{
		HistoryLimit: cfg.HistoryLimit,
	}, log, metrics)

	if err := session.Start(ctx); err != nil {
		log.Fatal(err, "failed to open conversation")
	}
	defer session.Close()

	fmt.Printf("Connected to %s as %s. Type a message, or /help for commands.\n", *peerID, *userID)
	printTranscript(session, *userID)

	sub := session.Subscribe()
	defer session.Unsubscribe(sub.ID)
	go eventPump(sub, session, *userID)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println()
		session.Close()
		backend.Close()
		os.Exit(0)
	}()

	inputLoop(ctx, session, *userID)
}

// resolvePassphrase uses the configured passphrase, prompting only when the
// stored identity is sealed and no passphrase was configured.
func resolvePassphrase(backend *identity.BoltBackend, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	blob, found, err := backend.Load()
	if err != nil {
		return "", err
	}
	if !found || !identity.IsSealed(blob) {
		return "", nil
	}

	fmt.Print("Keystore passphrase: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func inputLoop(ctx context.Context, session *chat.Session, localID string) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := runCommand(ctx, session, localID, line); quit {
				return
			}
			continue
		}

		sendCtx, span := tracer.Start(ctx, "session.send")
		result, err := session.Send(sendCtx, line)
		span.End()
		if err != nil {
			switch result.State {
			case chat.SendBlocked:
				fmt.Printf("cannot send: %v\n", err)
			case chat.SendComposing:
				fmt.Printf("not ready: %v (message not sent)\n", err)
			default:
				fmt.Printf("send failed: %v\n", err)
			}
		}
	}
}

// runCommand handles one slash command; it reports whether the loop should
// exit.
func runCommand(ctx context.Context, session *chat.Session, localID, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /history      reprint the conversation")
		fmt.Println("  /read         mark the conversation as read")
		fmt.Println("  /delete <id>  delete one of your own messages")
		fmt.Println("  /clear        delete the whole conversation")
		fmt.Println("  /refresh      refetch the counterpart's key")
		fmt.Println("  /quit         exit")

	case "/history":
		printTranscript(session, localID)

	case "/read":
		if err := session.MarkRead(ctx); err != nil {
			fmt.Printf("mark read failed: %v\n", err)
		}

	case "/delete":
		if arg == "" {
			fmt.Println("usage: /delete <message-id>")
			break
		}
		if err := session.DeleteMessage(ctx, arg); err != nil {
			fmt.Printf("delete failed: %v\n", err)
		}

	case "/clear":
		if err := session.ClearConversation(ctx); err != nil {
			fmt.Printf("clear failed: %v\n", err)
		}

	case "/refresh":
		refreshCtx, span := tracer.Start(ctx, "directory.refresh")
		session.RefreshKey(refreshCtx)
		span.End()
		fmt.Println("counterpart key refreshed")

	case "/quit":
		return true

	default:
		fmt.Printf("unknown command %s (try /help)\n", cmd)
	}
	return false
}

// eventPump renders transcript changes as they happen.
func eventPump(sub *chat.Subscription, session *chat.Session, localID string) {
	for event := range sub.Channel {
		switch event.Type {
		case chat.EventMessageAdded, chat.EventMessageUpdated:
			if m, ok := findMessage(session, event.MessageID); ok {
				fmt.Printf("\r%s\n> ", renderMessage(m, localID))
			}

		case chat.EventMessagesRead:
			fmt.Printf("\r(%s read %d message(s))\n> ", session.Peer(), len(event.MessageIDs))

		case chat.EventMessageDeleted:
			fmt.Printf("\r(message %s deleted)\n> ", event.MessageID)

		case chat.EventConversationCleared:
			fmt.Print("\r(conversation cleared)\n> ")
		}
	}
}

func printTranscript(session *chat.Session, localID string) {
	messages := session.Messages()
	if len(messages) == 0 {
		fmt.Println("(no messages yet)")
		return
	}
	for i := range messages {
		fmt.Println(renderMessage(messages[i], localID))
	}
}

func renderMessage(m chat.Message, localID string) string {
	who := m.SenderID
	if m.SenderID == localID {
		who = "you"
	}
	return fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04:05"), who, m.DisplayText())
}

func findMessage(session *chat.Session, id string) (chat.Message, bool) {
	for _, m := range session.Messages() {
		if m.ID == id {
			return m, true
		}
	}
	return chat.Message{}, false
}

// serveDebug exposes metrics and a health probe on a side listener.
func serveDebug(addr string, metrics *observability.Metrics, ids *identity.Store, log *observability.Logger) {
	health := observability.NewHealthChecker(version)
	health.RegisterCheck("identity", observability.IdentityCheck(func() bool {
		return ids.State() == identity.StateReady
	}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", health.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil {
		log.Error(err, "debug server stopped")
	}
}

// wsURL derives the realtime endpoint from the relay base URL; the http and
// https schemes map to ws and wss.
func wsURL(baseURL string) string {
	return "ws" + strings.TrimPrefix(strings.TrimRight(baseURL, "/"), "http") + "/ws"
}
