// Package main runs the vault daemon: an interactive frontend over the
// secret partition core. Input lines are treated as utterances; commands
// prefixed with ':' manage tags and sessions directly. Intended for local
// development and manual testing of the vault behavior.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	vault "github.com/lunaria-app/vault"
	"github.com/lunaria-app/vault/config"
	"github.com/lunaria-app/vault/session"
	"github.com/lunaria-app/vault/storage"
	"github.com/lunaria-app/vault/transport"
	"github.com/lunaria-app/vault/verify"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/lunaria/vault.yaml", "Path to configuration file")
	devMode := flag.Bool("dev-mode", false, "Run with in-memory storage and no transport")
	natsURL := flag.String("nats-url", "", "NATS server URL (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Bool("dev_mode", *devMode).
		Msg("Lunaria vault daemon starting")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *devMode {
		cfg.DevMode = true
	}
	if *natsURL != "" {
		cfg.NATS.URL = *natsURL
	}
	if *dbPath != "" {
		cfg.Storage.Path = *dbPath
	}

	store, closeStore, err := openStorage(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer closeStore()

	var server transport.Server
	if !cfg.DevMode {
		nats, err := transport.NewNATSServer(transport.NATSOptions{
			URL:             cfg.NATS.URL,
			Name:            "lunaria-vaultd",
			CredentialsFile: cfg.NATS.CredentialsFile,
			ReconnectWait:   time.Duration(cfg.NATS.ReconnectWait) * time.Millisecond,
			MaxReconnects:   cfg.NATS.MaxReconnects,
			RequestTimeout:  time.Duration(cfg.NATS.RequestTimeout) * time.Millisecond,
		}, log.Logger)
		if err != nil {
			log.Warn().Err(err).Msg("Transport unavailable, continuing offline")
		} else {
			defer nats.Close()
			server = nats
		}
	}

	orch, err := vault.New(store, server, vault.Options{
		SecurityMode: verify.SecurityMode(cfg.Security.Mode),
		CacheEnabled: cfg.Security.CacheEnabled,
		PanicPhrase:  cfg.Security.PanicPhrase,
		Sessions: session.Options{
			MaxActive:      cfg.Sessions.MaxActive,
			Timeout:        cfg.Sessions.Timeout(),
			MaxRecoveryAge: cfg.Sessions.RecoveryAge(),
		},
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build vault")
	}
	defer orch.Close()

	if recovered, err := orch.RecoverSessions(); err != nil {
		log.Warn().Err(err).Msg("Session recovery failed")
	} else if len(recovered) > 0 {
		log.Info().Strs("tags", recovered).Msg("Recovered sessions, phrases required to unlock")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	runREPL(ctx, orch)
	log.Info().Msg("Vault daemon shutdown complete")
}

func openStorage(cfg *config.Config) (storage.Adapter, func(), error) {
	if cfg.DevMode || cfg.Storage.Path == "" {
		return storage.NewMemory(), func() {}, nil
	}
	db, err := storage.NewSQLite(cfg.Storage.Path)
	if err != nil {
		return nil, nil, err
	}
	return db, func() { db.Close() }, nil
}

func runREPL(ctx context.Context, orch *vault.Orchestrator) {
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
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, ":") {
				runCommand(ctx, orch, line)
				continue
			}
			out, err := orch.HandleUtterance(ctx, line)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			switch out.Action {
			case vault.ActionActivated:
				fmt.Printf("unlocked %q\n", out.TagName)
			case vault.ActionDeactivated:
				fmt.Printf("locked %q\n", out.TagName)
			case vault.ActionPanic:
				fmt.Println("wiped")
			default:
				fmt.Println("no match")
			}
		}
	}
}

func runCommand(ctx context.Context, orch *vault.Orchestrator, line string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case ":create":
		if len(fields) < 3 {
			fmt.Println("usage: :create <name> <phrase...>")
			return
		}
		tag, err := orch.CreateTag(fields[1], strings.Join(fields[2:], " "), "")
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Printf("created %s (%s)\n", tag.Name, tag.ID)
	case ":tags":
		tags, err := orch.Tags()
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		for _, tag := range tags {
			state := "locked"
			if orch.IsTagUnlocked(tag.ID) {
				state = "unlocked"
			}
			fmt.Printf("%s  %s  %s\n", tag.ID, tag.Name, state)
		}
	case ":delete":
		if len(fields) != 2 {
			fmt.Println("usage: :delete <tag-id>")
			return
		}
		if err := orch.DeleteTag(ctx, fields[1]); err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Println("deleted")
	case ":lock", ":unlock", ":extend", ":deactivate":
		if len(fields) != 2 {
			fmt.Printf("usage: %s <tag-id>\n", fields[0])
			return
		}
		var err error
		switch fields[0] {
		case ":lock":
			err = orch.LockTag(fields[1])
		case ":unlock":
			err = orch.UnlockTag(fields[1])
		case ":extend":
			err = orch.ExtendTag(fields[1])
		case ":deactivate":
			err = orch.DeactivateTag(fields[1])
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	case ":mode":
		if len(fields) != 2 {
			fmt.Printf("mode: %s\n", orch.SecurityMode())
			return
		}
		if err := orch.SetSecurityMode(ctx, verify.SecurityMode(fields[1])); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	case ":panic":
		if err := orch.Panic(ctx); err != nil {
			fmt.Printf("wipe incomplete: %v\n", err)
			return
		}
		fmt.Println("wiped")
	default:
		fmt.Println("commands: :create :tags :delete :lock :unlock :extend :deactivate :mode :panic")
	}
}
