package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/npezzotti/roomsync/internal/chatclient"
	"github.com/npezzotti/roomsync/internal/config"
	"github.com/npezzotti/roomsync/internal/session"
	"github.com/npezzotti/roomsync/internal/transport"
)

const defaultURL = "ws://localhost:8000/ws"

var (
	serverURL   string
	sessionPath string
	timeout     time.Duration
	verbose     bool
)

func defaultSessionPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".roomsync-session.json"
	}
	return filepath.Join(home, ".roomsync-session.json")
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: chat [flags] <command> [args]

commands:
  signin <username>               sign in and remember the session
  signout                         forget the session
  whoami                          show the signed in user
  rooms                           list rooms
  join <room>                     join a room
  leave <room>                    leave a room
  send <room> <text...>           send a message
  react <room> <message> <kind>   toggle a like or dislike reaction
  history <room> [pages]          print message history, oldest first
  tail <room>                     print new messages and membership changes

flags:
`)
	flag.PrintDefaults()
}

func main() {
	if err := config.LoadEnv(config.Env("ROOMSYNC_ENV_FILE", ".env")); err != nil {
		fmt.Fprintln(os.Stderr, "env:", err)
		os.Exit(1)
	}

	flag.StringVar(&serverURL, "url", config.Env("ROOMSYNC_URL", defaultURL), "websocket endpoint of the server")
	flag.StringVar(&sessionPath, "session", config.Env("ROOMSYNC_SESSION", defaultSessionPath()), "file holding the signed in session")
	flag.DurationVar(&timeout, "timeout", config.EnvDuration("ROOMSYNC_TIMEOUT", transport.DefaultCallTimeout), "per call timeout")
	flag.BoolVar(&verbose, "v", false, "log connection activity to stderr")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	logOut := io.Discard
	if verbose {
		logOut = os.Stderr
	}
	logger := log.New(logOut, "[chat] ", log.LstdFlags)

	cmd, ok := commands[flag.Arg(0)]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", flag.Arg(0))
		usage()
		os.Exit(2)
	}

	if err := run(logger, cmd, flag.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(logger *log.Logger, cmd command, args []string) error {
	sess := session.New()
	if err := sess.Load(sessionPath); err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := chatclient.New(chatclient.Config{
		Transport: transport.Config{
			URL:           serverURL,
			CallTimeout:   timeout,
			RetryDelay:    time.Second,
			MaxRetryDelay: 30 * time.Second,
		},
	}, sess, logger)

	openCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Open(openCtx); err != nil {
		return fmt.Errorf("connect to %s: %w", serverURL, err)
	}
	defer client.Close()

	err := cmd(ctx, client, args)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}

	if saveErr := sess.Save(sessionPath); saveErr != nil {
		return errors.Join(err, fmt.Errorf("save session: %w", saveErr))
	}
	return err
}
