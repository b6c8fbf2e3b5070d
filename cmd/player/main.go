package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/stemsi/exstem-attempt/internal/client"
	"github.com/stemsi/exstem-attempt/internal/logger"
	"github.com/stemsi/exstem-attempt/internal/player"
	"github.com/stemsi/exstem-attempt/internal/session"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "player <attempt-id>",
		Short:        "Take a quiz attempt from the terminal",
		Args:         cobra.ExactArgs(1),
		RunE:         runPlayer,
		SilenceUsage: true,
	}
	f := cmd.Flags()
	f.String("api-url", "http://localhost:8080/api/v1", "Attempt REST API base URL")
	f.String("ws-url", "", "Attempt WebSocket base URL (derived from api-url when empty)")
	f.Duration("timeout", 10*time.Second, "Per-request HTTP timeout")
	f.Duration("autosave-window", session.DefaultAutosaveWindow, "Quiet period after the last edit before saving")
	f.Bool("resume", false, "Start from the answers saved on the server")
	f.String("log-level", "warn", "Log level (debug, info, warn, error)")
	f.String("log-format", "pretty", "Log format (pretty, json)")
	f.String("log-file", "", "Write logs to this file instead of stderr")
	return cmd
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("EXSTEM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("player")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/exstem")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "warning: reading config file: %v\n", err)
		}
	}
	return v
}

func setupLogging(v *viper.Viper) (zerolog.Logger, func(), error) {
	var out io.Writer = os.Stderr
	closeFn := func() {}

	if path := v.GetString("log-file"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closeFn = func() { f.Close() }
	}
	return logger.New(out, v.GetString("log-level"), v.GetString("log-format")), closeFn, nil
}

// wsURLFrom maps ".../api/v1" to ".../ws/v1".
func wsURLFrom(apiURL string) string {
	base := strings.TrimRight(apiURL, "/")
	return strings.TrimSuffix(base, "/api/v1") + "/ws/v1"
}

func runPlayer(cmd *cobra.Command, args []string) error {
	v := viperForCmd(cmd)

	attemptID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid attempt id %q: %w", args[0], err)
	}

	log, closeLog, err := setupLogging(v)
	if err != nil {
		return err
	}
	defer closeLog()
	log = logger.Component(log, "player_cli")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiURL := v.GetString("api-url")
	wsURL := v.GetString("ws-url")
	if wsURL == "" {
		wsURL = wsURLFrom(apiURL)
	}

	backend := client.NewHTTPBackend(apiURL, v.GetDuration("timeout"), log)
	channel := client.NewWSChannel(wsURL, attemptID, log)

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	p := player.New(cmd.OutOrStdout(), interactive, log)

	s, err := session.Start(ctx, backend, channel, attemptID, session.Options{
		AutosaveWindow: v.GetDuration("autosave-window"),
		HydrateSaved:   v.GetBool("resume"),
		Observer:       p,
		Logger:         log,
	})
	if err != nil {
		if errors.Is(err, session.ErrAttemptClosed) {
			return fmt.Errorf("attempt %s was already submitted", attemptID)
		}
		return err
	}
	defer s.Close()

	if interactive {
		fmt.Fprintln(cmd.OutOrStdout(), "Type help for commands.")
	}
	final := p.Run(ctx, s, cmd.InOrStdin())

	switch final.Outcome {
	case session.OutcomeSubmitted:
		return nil
	case session.OutcomeInFlight:
		fmt.Fprintln(cmd.ErrOrStderr(), "Leaving while the submission is still in flight.")
	default:
		// Unsaved edits go out before leaving; the attempt stays open.
		saveCtx, cancel := context.WithTimeout(context.Background(), v.GetDuration("timeout"))
		defer cancel()
		if err := s.SaveNow(saveCtx); err != nil {
			log.Warn().Err(err).Msg("Final save failed")
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "Attempt left open. Run the player again to continue.")
	}
	return nil
}
