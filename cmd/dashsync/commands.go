package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/dashsync/internal/auth"
	"github.com/agentworkforce/dashsync/internal/config"
	"github.com/agentworkforce/dashsync/internal/eventbus"
	"github.com/agentworkforce/dashsync/internal/resources"
	"github.com/agentworkforce/dashsync/internal/storage"
	"github.com/agentworkforce/dashsync/internal/transport"
)

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect and print every sync event as a JSON line",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			duration, _ := cmd.Flags().GetDuration("duration")
			out := cmd.OutOrStdout()
			nav := &printNavigator{out: out}

			s, closeAll, err := openSession(cfg, loggerFor(cmd), nav)
			if err != nil {
				return err
			}
			defer closeAll()
			nav.route = s.Dashboard().DashboardType().Route()

			lines := &lineWriter{enc: json.NewEncoder(out)}
			s.Bus().Subscribe(eventbus.All, func(ev eventbus.Event) {
				lines.write(map[string]any{"event": ev.Name, "payload": ev.Payload})
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			if err := s.Start(); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *lineWriter) write(v any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.enc.Encode(v)
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [kind...]",
		Short: "Fetch the server's records for each kind (all kinds by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			kinds := resources.Kinds
			if len(args) > 0 {
				kinds = nil
				for _, arg := range args {
					kind, err := resources.ParseKind(arg)
					if err != nil {
						return fmt.Errorf("%w: %q", err, arg)
					}
					kinds = append(kinds, kind)
				}
			}
			workspaceID, err := workspaceFor(cfg)
			if err != nil {
				return err
			}
			policy, err := cfg.Policy()
			if err != nil {
				return err
			}
			store := resources.NewStore(resources.Options{
				WorkspaceID: workspaceID,
				Client:      resources.NewHTTPClient(cfg.APIURL, cfg.Token, &http.Client{Timeout: cfg.HTTPTimeout}),
				Policy:      policy,
				Logger:      loggerFor(cmd),
			})
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, kind := range kinds {
				if err := store.SyncWithServer(cmd.Context(), kind); err != nil {
					return err
				}
				if err := enc.Encode(map[string]any{"kind": kind, "records": store.List(kind, true)}); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func workspaceFor(cfg config.Config) (string, error) {
	if cfg.WorkspaceID != "" {
		return cfg.WorkspaceID, nil
	}
	claims, err := auth.ParseToken(cfg.Token, "", time.Now())
	if err != nil {
		return "", fmt.Errorf("workspace: %w", err)
	}
	return claims.WorkspaceID, nil
}

func updateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <kind> <id>",
		Short: "Send one resource change and wait for the server to echo it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			kind, err := resources.ParseKind(args[0])
			if err != nil {
				return err
			}
			rawAction, _ := cmd.Flags().GetString("action")
			action, err := resources.ParseAction(rawAction)
			if err != nil {
				return err
			}
			var data any
			if rawData, _ := cmd.Flags().GetString("data"); rawData != "" {
				if err := json.Unmarshal([]byte(rawData), &data); err != nil {
					return fmt.Errorf("--data: %w", err)
				}
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")

			out := cmd.OutOrStdout()
			s, closeAll, err := openSession(cfg, loggerFor(cmd), &printNavigator{out: io.Discard})
			if err != nil {
				return err
			}
			defer closeAll()

			confirmed := make(chan struct{}, 1)
			s.Resources().Subscribe(func(c resources.Change) {
				if c.Origin == resources.OriginRemote && c.Kind == kind && (c.ID == args[1] || action == resources.ActionBatch) {
					select {
					case confirmed <- struct{}{}:
					default:
					}
				}
			})
			opened := make(chan struct{}, 1)
			s.Bus().Subscribe(eventbus.ConnectionStatus, func(ev eventbus.Event) {
				if ev.Payload == transport.StatusOpen {
					select {
					case opened <- struct{}{}:
					default:
					}
				}
			})
			if err := s.Start(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			select {
			case <-opened:
			case <-ctx.Done():
				return errors.New("timed out connecting")
			}
			if err := s.Update(kind, args[1], data, action); err != nil {
				return err
			}
			select {
			case <-confirmed:
			case <-ctx.Done():
				return errors.New("timed out waiting for confirmation")
			}
			if rec, ok := s.Resources().Get(kind, args[1]); ok {
				return json.NewEncoder(out).Encode(rec)
			}
			return nil
		},
	}
	cmd.Flags().String("action", string(resources.ActionUpdate), "create, update, delete or batch")
	cmd.Flags().String("data", "", "record JSON (a list of records for batch)")
	cmd.Flags().Duration("timeout", 10*time.Second, "give up after this long")
	return cmd
}

func prefsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Inspect or clear persisted dashboard preferences",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print stored preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPreferences(cmd, func(p storage.Preferences) error {
				keys, err := storage.Keys(p, storage.KeyDashboardType, storage.KeyDashboardFilters)
				if err != nil {
					return err
				}
				for _, key := range keys {
					value, _, err := p.Get(key)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", key, value)
				}
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove stored preferences, as logout does",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPreferences(cmd, func(p storage.Preferences) error {
				return p.Clear()
			})
		},
	})
	return cmd
}

func withPreferences(cmd *cobra.Command, fn func(storage.Preferences) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	p, err := storage.BuildPreferencesFromDSN(cfg.PreferencesDSN)
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(p)
}
