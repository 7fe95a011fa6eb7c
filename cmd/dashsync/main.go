package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/agentworkforce/dashsync/internal/config"
	"github.com/agentworkforce/dashsync/internal/protocol"
	"github.com/agentworkforce/dashsync/internal/session"
	"github.com/agentworkforce/dashsync/internal/storage"
)

var Version = "dev"

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "dashsync",
		Short:         "Live CRM dashboard sync client",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.String("config", os.Getenv("DASHSYNC_CONFIG"), "YAML config file")
	flags.String("socket-url", "", "websocket endpoint")
	flags.String("api-url", "", "REST API base URL")
	flags.String("token", "", "session token")
	flags.String("workspace", "", "workspace id (defaults to the token's)")
	flags.String("user", "", "user id (defaults to the token's)")
	flags.String("codec", "", "wire codec: json or msgpack")
	flags.String("prefs-dsn", "", "preferences backend DSN")
	flags.String("outbox-dsn", "", "outbox backend DSN")
	flags.Bool("verbose", false, "log to stderr")

	root.AddCommand(watchCmd())
	root.AddCommand(syncCmd())
	root.AddCommand(updateCmd())
	root.AddCommand(prefsCmd())
	return root
}

// loadConfig layers flags that were set explicitly over file and env.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	applyFlags(flags, &cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func applyFlags(flags *pflag.FlagSet, cfg *config.Config) {
	overrides := map[string]*string{
		"socket-url": &cfg.SocketURL,
		"api-url":    &cfg.APIURL,
		"token":      &cfg.Token,
		"workspace":  &cfg.WorkspaceID,
		"user":       &cfg.UserID,
		"codec":      &cfg.Codec,
		"prefs-dsn":  &cfg.PreferencesDSN,
		"outbox-dsn": &cfg.OutboxDSN,
	}
	flags.Visit(func(f *pflag.Flag) {
		if dst, ok := overrides[f.Name]; ok {
			*dst = strings.TrimSpace(f.Value.String())
		}
	})
}

func loggerFor(cmd *cobra.Command) *log.Logger {
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		return log.New(cmd.ErrOrStderr(), "dashsync: ", log.LstdFlags)
	}
	return log.New(io.Discard, "", 0)
}

// openSession builds a session from cfg. The returned func closes the
// session and the storage behind it.
func openSession(cfg config.Config, logger *log.Logger, nav *printNavigator) (*session.Session, func(), error) {
	codec, err := protocol.CodecByName(cfg.Codec)
	if err != nil {
		return nil, nil, err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, nil, err
	}
	prefs, err := storage.BuildPreferencesFromDSN(cfg.PreferencesDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("preferences: %w", err)
	}
	outbox, err := storage.BuildOutboxFromDSN(cfg.OutboxDSN, cfg.OutboxCapacity)
	if err != nil {
		_ = prefs.Close()
		return nil, nil, fmt.Errorf("outbox: %w", err)
	}
	s, err := session.New(session.Options{
		Token:             cfg.Token,
		UserID:            cfg.UserID,
		WorkspaceID:       cfg.WorkspaceID,
		Role:              cfg.Role,
		SocketURL:         cfg.SocketURL,
		APIURL:            cfg.APIURL,
		HTTPClient:        &http.Client{Timeout: cfg.HTTPTimeout},
		Codec:             codec,
		Preferences:       prefs,
		Outbox:            outbox,
		Navigator:         nav,
		Policy:            policy,
		ReconnectDelay:    cfg.ReconnectDelay,
		PingInterval:      cfg.PingInterval,
		NotificationLimit: cfg.NotificationLimit,
		DisableResync:     !cfg.ResyncOnReconnect,
		Logger:            logger,
	})
	if err != nil {
		_ = outbox.Close()
		_ = prefs.Close()
		return nil, nil, err
	}
	closeAll := func() {
		if err := s.Close(); err != nil {
			logger.Printf("close session: %v", err)
		}
		_ = outbox.Close()
		_ = prefs.Close()
	}
	return s, closeAll, nil
}

// printNavigator reports route changes instead of rendering them.
type printNavigator struct {
	mu    sync.Mutex
	out   io.Writer
	route string
}

func (n *printNavigator) CurrentRoute() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.route
}

func (n *printNavigator) Navigate(route string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.route = route
	fmt.Fprintf(n.out, "navigate %s\n", route)
}
