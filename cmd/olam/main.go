// Olam CLI - terminal client for Olam Chat.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/abhiyanpa/olam-chat/internal/auth"
	"github.com/abhiyanpa/olam-chat/internal/config"
	"github.com/abhiyanpa/olam-chat/internal/models"
	"github.com/abhiyanpa/olam-chat/internal/presence"
	"github.com/abhiyanpa/olam-chat/internal/profile"
	"github.com/abhiyanpa/olam-chat/internal/ratelimit"
	"github.com/abhiyanpa/olam-chat/internal/store"
	chatsync "github.com/abhiyanpa/olam-chat/internal/sync"
	"github.com/abhiyanpa/olam-chat/internal/typing"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stderr).
			With().
			Timestamp().
			Logger()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer app.close()

	switch os.Args[1] {
	case "signup":
		err = app.signup(ctx, os.Args[2:])
	case "chat":
		err = app.chat(ctx, os.Args[2:])
	case "inbox":
		err = app.inbox(ctx, os.Args[2:])
	case "stats":
		err = app.stats(ctx)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("command failed")
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: olam <command>

Commands:
  signup <email> <password> <username>   create an account and claim a handle
  chat <peer-username>                   open a live thread (OLAM_EMAIL/OLAM_PASSWORD)
  inbox                                  print the conversation list
  stats                                  print directory stats

Environment:
  DATABASE_URL, REDIS_URL   backend endpoints; in-memory store when unset
  OLAM_EMAIL, OLAM_PASSWORD credentials for chat and inbox`)
}

// app wires the stores and services behind the commands.
type app struct {
	log      zerolog.Logger
	backend  store.Backend
	blobs    store.BlobStore
	auth     *auth.Provider
	profiles *profile.Service
	closers  []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{log: logger}

	if cfg.DatabaseURL != "" && cfg.RedisURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		logger.Info().Msg("connected to PostgreSQL")

		logger.Info().Msg("running database migrations...")
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}

		rd, err := store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rd.Close() })
		logger.Info().Msg("connected to Redis")

		platform := store.NewPlatform(pg, rd)
		a.backend = platform
		a.blobs = platform
	} else {
		logger.Warn().Msg("DATABASE_URL or REDIS_URL unset, using in-memory store")
		ms := store.NewMemoryStore()
		a.backend = ms
		a.blobs = ms
	}

	var mailer auth.Mailer
	if cfg.SMTPHost != "" {
		mailer = auth.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.MailFrom)
	}
	a.auth = auth.NewProvider(a.backend, mailer, cfg.JWTSecret, logger)
	a.profiles = profile.NewService(a.backend, a.blobs, logger)

	// Metrics endpoint; best effort, the CLI works without it.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":"+cfg.Port, mux); err != nil {
			logger.Debug().Err(err).Msg("metrics endpoint unavailable")
		}
	}()

	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) signup(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: olam signup <email> <password> <username>")
	}
	email, password, username := args[0], args[1], args[2]

	account, err := a.auth.CreateAccount(ctx, email, password, username)
	if err != nil {
		return err
	}
	p, err := a.profiles.Register(ctx, account.ID, username, email)
	if err != nil {
		return err
	}
	fmt.Printf("Registered as @%s (%s)\n", p.Username, p.ID)
	return nil
}

func (a *app) signIn(ctx context.Context) (*auth.Session, *models.Profile, error) {
	email, password := os.Getenv("OLAM_EMAIL"), os.Getenv("OLAM_PASSWORD")
	if email == "" || password == "" {
		return nil, nil, fmt.Errorf("OLAM_EMAIL and OLAM_PASSWORD must be set")
	}

	session, err := a.auth.SignIn(ctx, email, password)
	if err != nil {
		return nil, nil, err
	}
	p, err := a.backend.GetProfile(ctx, session.UserID)
	if err != nil {
		return nil, nil, err
	}
	if p == nil {
		return nil, nil, fmt.Errorf("no profile for this account, run signup first")
	}
	return session, p, nil
}

func (a *app) findPeer(ctx context.Context, selfID, username string) (*models.Profile, error) {
	candidates, err := a.profiles.Search(ctx, selfID, username)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		if strings.EqualFold(c.Username, username) {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("no user named %q", username)
}

func (a *app) inbox(ctx context.Context, _ []string) error {
	_, self, err := a.signIn(ctx)
	if err != nil {
		return err
	}
	defer a.auth.SignOut(ctx)

	agg := chatsync.NewAggregator(a.backend, a.log)
	convs, err := agg.Conversations(ctx, self.ID)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Println("No conversations yet.")
		return nil
	}
	for _, c := range convs {
		marker := " "
		if c.Online {
			marker = "*"
		}
		fmt.Printf("%s @%-20s (%2d unread)  %s  %s\n",
			marker, c.Username, c.UnreadCount,
			c.LastMessageTime.Format("2006-01-02 15:04"), c.LastMessage)
	}
	return nil
}

func (a *app) chat(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: olam chat <peer-username>")
	}

	_, self, err := a.signIn(ctx)
	if err != nil {
		return err
	}
	defer a.auth.SignOut(ctx)

	peer, err := a.findPeer(ctx, self.ID, args[0])
	if err != nil {
		return err
	}

	heartbeat := presence.NewHeartbeat(a.backend, a.log)
	if err := heartbeat.Start(ctx, self.ID); err != nil {
		return err
	}
	defer heartbeat.Stop(context.Background())

	banned, err := a.profiles.EnforceBan(ctx, self.ID, func() {
		a.auth.SignOut(ctx)
		fmt.Fprintln(os.Stderr, "account banned, signing out")
		os.Exit(1)
	})
	if err != nil {
		return err
	}
	defer banned()

	coordinator := typing.NewCoordinator(a.backend, a.log)
	defer coordinator.Shutdown(context.Background())

	peerTyping, err := coordinator.Listen(ctx, self.ID, peer.ID, func(typists []models.TypingStatus) {
		if len(typists) > 0 {
			fmt.Printf("-- %s is typing...\n", typists[0].Username)
		}
	})
	if err != nil {
		return err
	}
	defer peerTyping()

	var lastShown string
	thread, err := chatsync.OpenThread(ctx, a.backend, a.log,
		chatsync.Party{ID: self.ID, Username: self.Username},
		chatsync.Party{ID: peer.ID, Username: peer.Username},
		func(msgs []models.Message) {
			for _, m := range msgs {
				if m.ID != "" && m.ID <= lastShown {
					continue
				}
				if m.Status == models.StatusSending {
					continue
				}
				fmt.Printf("[%s] %s: %s\n",
					m.CreatedAt.Format("15:04:05"), m.SenderName, m.Content)
				if m.ID > lastShown {
					lastShown = m.ID
				}
			}
		},
		chatsync.WithLimiter(ratelimit.New()),
	)
	if err != nil {
		return err
	}
	defer thread.Close()

	fmt.Printf("Chatting with @%s. Type a message, /quit to exit.\n", peer.Username)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := coordinator.StopTyping(ctx, self.ID, peer.ID); err != nil {
				a.log.Debug().Err(err).Msg("typing clear failed")
			}
			if _, err := thread.Send(ctx, line); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
		}
	}
}

func (a *app) stats(ctx context.Context) error {
	st, err := a.profiles.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("profiles: %d\nonline:   %d\nbanned:   %d\nmessages: %d\n", st.Profiles, st.Online, st.Banned, st.Messages)
	return nil
}
