package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/formula-consult/internal/backend"
	"github.com/ashureev/formula-consult/internal/bridge"
	"github.com/ashureev/formula-consult/internal/consult"
	"github.com/ashureev/formula-consult/internal/conversation"
)

func newAskCmd(a *app) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), a.ctrl, cmd.OutOrStdout(), sessionID, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "continue an existing consultation")
	return cmd
}

func runAsk(ctx context.Context, ctrl *consult.Controller, out io.Writer, sessionID, text string) error {
	if sessionID != "" {
		if err := ctrl.LoadHistory(ctx); err != nil {
			return err
		}
		if err := ctrl.SelectSession(sessionID); err != nil {
			return err
		}
	}

	p := newStreamPrinter(out)
	p.begin(len(ctrl.View().Messages) + 1)
	unsubscribe := ctrl.Subscribe(p.update)
	defer unsubscribe()

	err := ctrl.Send(ctx, text)
	var turnErr *consult.TurnError
	if errors.As(err, &turnErr) {
		printNotice(out, &conversation.Notice{Kind: turnErr.Kind, Text: turnErr.Text})
		return err
	}
	if err != nil {
		return err
	}

	v := ctrl.View()
	if last, ok := v.Last(); ok && last.HasFormula() {
		printFormula(out, last.Formula)
	}
	fmt.Fprintln(out, styleStatus.Render("session "+v.SessionID))
	return nil
}

func newSessionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List consultations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			history, err := a.client.FetchHistory(cmd.Context())
			if err != nil {
				return err
			}
			printSessions(cmd.OutOrStdout(), history.Sessions, "")
			return nil
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a consultation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := a.client.DeleteSession(cmd.Context(), args[0])
			if backend.IsNotFound(err) {
				return fmt.Errorf("no consultation %s", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted "+args[0])
			return nil
		},
	}
}

func newBridgeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Serve the conversation to local front ends over WebSocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.Bridge.Addr
			}
			return runBridge(cmd.Context(), a, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func runBridge(ctx context.Context, a *app, addr string) error {
	if err := a.ctrl.LoadHistory(ctx); err != nil {
		slog.Warn("Failed to load history, starting empty", "error", err)
	}

	b := bridge.NewServer(ctx, a.ctrl, bridge.Options{
		AllowedOrigins: a.cfg.Bridge.AllowedOrigins,
		Logger:         a.logger,
	})
	defer b.Close()

	// WebSocket connections are long lived; no write timeout.
	srv := &http.Server{
		Addr:              addr,
		Handler:           b.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Bridge listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("bridge server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down bridge...")
	a.ctrl.Cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("bridge shutdown: %w", err)
	}
	slog.Info("Bridge stopped")
	return nil
}
