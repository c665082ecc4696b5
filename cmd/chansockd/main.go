// Package main is the CLI entry point for chansockd — a reference
// server for the chansock realtime channel library.
//
// chansockd mounts a channel socket endpoint on a configurable path and
// wires in a small demo application: an echo responder, presence
// logging, and an optional sqlite audit trail of every event that flows
// through the server.
//
// Architecture overview:
//
//	browser/client --> GET  /chsk  (websocket upgrade OR ajax long-poll)
//	               --> POST /chsk  (one-shot ajax event)
//	                     |
//	                     +-- receive queue --> router --> app handlers
//	                     +-- push API: Send(uid, event) with batching
//
// CLI commands (cobra):
//
//	chansockd serve     - Start the server
//	chansockd audit     - Query the event audit trail
//	chansockd version   - Show build information
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/chansock/chansock/internal/audit"
	"github.com/chansock/chansock/internal/config"
	"github.com/chansock/chansock/internal/event"
	"github.com/chansock/chansock/internal/router"
	"github.com/chansock/chansock/internal/server"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "chansockd",
		Short:         "Realtime channel socket server (websocket + ajax long-poll)",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), auditCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chansockd %s (%s, built %s)\n", version, commit, buildDate)
		},
	}
}

func serveCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the channel socket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfgPath)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "chansockd.yaml", "path to config file")
	return cmd
}

func runServe(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	// Log level is held in a LevelVar so config hot-reload can adjust
	// it without restarting.
	level := new(slog.LevelVar)
	level.Set(cfg.Log.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var trail *audit.Trail
	if cfg.Audit.Path != "" {
		trail, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			return err
		}
		defer trail.Close()
		slog.Info("audit trail enabled", "path", cfg.Audit.Path)
	}

	cs := server.New(server.Options{
		RecvBufSize:   cfg.Channel.RecvBufSize,
		SendBufMsWS:   cfg.Channel.SendBufMsWS,
		SendBufMsAjax: cfg.Channel.SendBufMsAjax,
		WSConnGCMs:    cfg.Channel.WSConnGCMs,
		GraceMs:       cfg.Channel.GraceMs,
		UserIDFn:      cookieUserID,
		CSRFTokenFn:   cookieCSRF,
	})
	defer cs.Close()

	// Demo application handlers. app/ping echoes back to exercise the
	// reply path end to end.
	disp := router.NewMux()
	disp.Handle("app/ping", func(msg server.Message) {
		slog.Debug("ping", "uid", msg.UID, "client", msg.ClientID)
		if msg.HasReply() {
			msg.Reply("pong")
		}
	})
	disp.Handle("app/broadcast", func(msg server.Message) {
		// Push the payload back at every connected user.
		ev := event.New("app/broadcast", msg.Event.Data)
		for uid := range cs.Presence().Any {
			cs.Send(uid, ev)
			if trail != nil {
				trail.Record(audit.DirPush, uid, "", ev)
			}
		}
	})
	disp.Handle("chsk/*", func(msg server.Message) {
		slog.Info("channel event", "event", msg.Event.ID, "uid", msg.UID)
	})
	disp.NotFound(func(msg server.Message) {
		slog.Debug("unhandled event", "event", msg.Event.ID, "uid", msg.UID)
	})

	handler := disp.Dispatch
	if trail != nil {
		inner := handler
		handler = func(msg server.Message) {
			trail.Record(audit.DirRecv, msg.UID, msg.ClientID, msg.Event)
			inner(msg)
		}
	}
	stopRouter := router.Start(cs.Recv(), handler, router.Options{})
	defer stopRouter()

	// Presence logging: one line per published snapshot (every registry
	// change, including long-poll rollovers), driven by the watchable view.
	go func() {
		for p := range cs.SubscribePresence() {
			slog.Info("presence",
				"ws", len(p.WS), "ajax", len(p.Ajax), "any", len(p.Any))
		}
	}()

	watcher, err := config.NewWatcher(cfgPath, func(next *config.Config) {
		level.Set(next.Log.SlogLevel())
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	r := mux.NewRouter()
	r.HandleFunc(cfg.Server.Path, withSession(cs.HandleGet)).Methods(http.MethodGet)
	r.HandleFunc(cfg.Server.Path, withSession(cs.HandlePost)).Methods(http.MethodPost)

	srv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("chansockd listening", "addr", cfg.Server.Addr(), "path", cfg.Server.Path)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// --- demo session glue ---
//
// Real deployments supply UserIDFn/CSRFTokenFn from their auth
// middleware. The demo identifies users by a "chansock-uid" cookie (settable via
// ?uid= for experiments) and issues a random CSRF cookie on first
// contact.

func withSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("chansock-csrf"); err != nil {
			token := randomToken()
			http.SetCookie(w, &http.Cookie{Name: "chansock-csrf", Value: token, Path: "/"})
			// Make the token visible to CSRFTokenFn on this first
			// request too.
			r.AddCookie(&http.Cookie{Name: "chansock-csrf", Value: token})
		}
		if uid := r.URL.Query().Get("uid"); uid != "" {
			http.SetCookie(w, &http.Cookie{Name: "chansock-uid", Value: uid, Path: "/"})
			r.AddCookie(&http.Cookie{Name: "chansock-uid", Value: uid})
		}
		next(w, r)
	}
}

func cookieUserID(r *http.Request, clientID string) string {
	if c, err := r.Cookie("chansock-uid"); err == nil {
		return c.Value
	}
	return ""
}

func cookieCSRF(r *http.Request) string {
	if c, err := r.Cookie("chansock-csrf"); err == nil {
		return c.Value
	}
	return r.Header.Get("X-CSRF-Token")
}

func randomToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "insecure-fallback-token"
	}
	return hex.EncodeToString(b)
}

// --- audit command ---

func auditCmd() *cobra.Command {
	var (
		dbPath  string
		uid     string
		eventID string
		limit   int
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the event audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			trail, err := audit.Open(dbPath)
			if err != nil {
				return err
			}
			defer trail.Close()

			entries, err := trail.Recent(audit.Query{UID: uid, EventID: eventID, Limit: limit})
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			for _, e := range entries {
				fmt.Printf("%-30s %-5s %-12s %-20s %s\n",
					e.TS.Format(time.RFC3339), e.Dir, e.UID, e.EventID, e.Payload)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "chansockd-audit.db", "path to audit database")
	cmd.Flags().StringVar(&uid, "uid", "", "filter by user id")
	cmd.Flags().StringVar(&eventID, "event", "", "filter by event id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}
