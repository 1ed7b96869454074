// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/roomserver/lib/config"
	"github.com/bureau-foundation/roomserver/lib/engine"
	"github.com/bureau-foundation/roomserver/lib/event"
	"github.com/bureau-foundation/roomserver/lib/ingest"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "event":
		return runEvent(os.Args[2:])
	case "state":
		return runState(os.Args[2:])
	case "extremities":
		return runExtremities(os.Args[2:])
	case "backfill":
		return runBackfill(os.Args[2:])
	case "ingest":
		return runIngest(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: roomserver-inspect <subcommand> [flags]

Subcommands:
  event        Dump one event as JSON
  state        Dump a room's resolved state
  extremities  List a room's forward extremities
  backfill     List a room's events from a depth
  ingest       Replay JSONC event fixture files through the pipeline

Every subcommand takes --config (or the ROOMSERVER_CONFIG environment
variable) naming the roomserver.yaml to operate on.

Run 'roomserver-inspect <subcommand> --help' for subcommand flags.
`)
}

// openEngine loads the configuration named by --config (falling back
// to ROOMSERVER_CONFIG) and opens the engine against it.
func openEngine(configPath string) (*engine.Engine, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return engine.Open(engine.Options{
		Config: cfg,
		Logger: logger,
	})
}

func runEvent(args []string) error {
	flagSet := pflag.NewFlagSet("event", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to roomserver.yaml")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("usage: roomserver-inspect event <event-id>")
	}
	id, err := ref.ParseEventID(flagSet.Arg(0))
	if err != nil {
		return err
	}

	eng, err := openEngine(*configPath)
	if err != nil {
		return err
	}
	defer eng.Close()

	e, err := eng.Event(context.Background(), id)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("event %s not found (or quarantined)", id)
	}
	return printJSON(e)
}

func runState(args []string) error {
	flagSet := pflag.NewFlagSet("state", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to roomserver.yaml")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("usage: roomserver-inspect state <room-id>")
	}
	room, err := ref.ParseRoomID(flagSet.Arg(0))
	if err != nil {
		return err
	}

	eng, err := openEngine(*configPath)
	if err != nil {
		return err
	}
	defer eng.Close()

	snapshot, err := eng.ResolvedState(context.Background(), room)
	if err != nil {
		return err
	}
	return printJSON(snapshot.Events())
}

func runExtremities(args []string) error {
	flagSet := pflag.NewFlagSet("extremities", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to roomserver.yaml")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("usage: roomserver-inspect extremities <room-id>")
	}
	room, err := ref.ParseRoomID(flagSet.Arg(0))
	if err != nil {
		return err
	}

	eng, err := openEngine(*configPath)
	if err != nil {
		return err
	}
	defer eng.Close()

	frontier, err := eng.ForwardExtremities(context.Background(), room)
	if err != nil {
		return err
	}
	for _, id := range frontier {
		fmt.Println(id)
	}
	return nil
}

func runBackfill(args []string) error {
	flagSet := pflag.NewFlagSet("backfill", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to roomserver.yaml")
	fromDepth := flagSet.Int64("from-depth", 1, "lowest depth to include")
	toDepth := flagSet.Int64("to-depth", 0, "highest depth to include (0 = unbounded)")
	limit := flagSet.Int("limit", 100, "maximum number of events")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("usage: roomserver-inspect backfill <room-id>")
	}
	room, err := ref.ParseRoomID(flagSet.Arg(0))
	if err != nil {
		return err
	}

	eng, err := openEngine(*configPath)
	if err != nil {
		return err
	}
	defer eng.Close()

	events, err := eng.EventsInRoom(context.Background(), room, *fromDepth, *toDepth, *limit)
	if err != nil {
		return err
	}
	return printJSON(events)
}

func runIngest(args []string) error {
	flagSet := pflag.NewFlagSet("ingest", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to roomserver.yaml")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() == 0 {
		return fmt.Errorf("usage: roomserver-inspect ingest <fixture.jsonc> [more fixtures]")
	}

	eng, err := openEngine(*configPath)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx := context.Background()
	accepted, rejected, parked := 0, 0, 0
	for _, path := range flagSet.Args() {
		events, err := loadFixture(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		for _, e := range events {
			err := eng.Submit(ctx, e)
			switch {
			case err == nil:
				accepted++
			case isPending(err):
				parked++
				fmt.Fprintf(os.Stderr, "parked: %v\n", err)
			case isRejection(err):
				rejected++
				fmt.Fprintf(os.Stderr, "rejected: %v\n", err)
			default:
				return fmt.Errorf("%s: event %s: %w", path, e.EventID, err)
			}
		}
	}
	fmt.Printf("accepted %d, rejected %d, parked %d (still pending: %d)\n",
		accepted, rejected, parked, eng.PendingCount())
	return nil
}

// loadFixture parses a JSONC file holding an array of wire events.
func loadFixture(path string) ([]*event.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var events []*event.Event
	if err := json.Unmarshal(jsonc.ToJSON(data), &events); err != nil {
		return nil, fmt.Errorf("parsing fixture: %w", err)
	}
	return events, nil
}

func isPending(err error) bool {
	var pending *ingest.PendingError
	return errors.As(err, &pending)
}

func isRejection(err error) bool {
	var rejection *ingest.RejectionError
	return errors.As(err, &rejection)
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
