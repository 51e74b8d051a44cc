// Command syncengine is a thin reference CLI over the engine facade:
// init, start|serve, sync, status, resolve, migrate, peers, snapshot.
// It exists to demonstrate the public API end to end, not as a product
// surface in its own right.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	syncengine "github.com/shivay00001/sqlite-sync-core"
	"github.com/shivay00001/sqlite-sync-core/internal/config"
	"github.com/shivay00001/sqlite-sync-core/internal/ids"
	"github.com/shivay00001/sqlite-sync-core/internal/resolver"
)

const (
	exitOK                 = 0
	exitOther              = 1
	exitUsage              = 2
	exitSchemaIncompatible = 3
	exitTransportFailure   = 4
	exitUnresolvedConflict = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	cfgPath := "syncengine.yaml"
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "init":
		return cmdInit(rest)
	case "start", "serve":
		return cmdStart(cfgPath, rest)
	case "sync":
		return cmdSync(cfgPath, rest)
	case "status":
		return cmdStatus(cfgPath, rest)
	case "resolve":
		return cmdResolve(cfgPath, rest)
	case "migrate":
		return cmdMigrate(cfgPath, rest)
	case "peers":
		return cmdPeers(cfgPath, rest)
	case "snapshot":
		return cmdSnapshot(cfgPath, rest)
	default:
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: syncengine <init|start|serve|sync|status|resolve|migrate|peers|snapshot> [flags]")
}

func loadEngine(cfgPath string) (*syncengine.Engine, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return syncengine.Open(cfg)
}

func cmdInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	storagePath := fs.String("storage", "sync.db", "embedded store file path")
	deviceName := fs.String("name", "node", "device display name")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg := config.Default()
	cfg.Storage.Path = *storagePath
	cfg.Device.Name = *deviceName

	e, err := syncengine.Open(cfg)
	if err != nil {
		log.Printf("init: %v", err)
		return exitOther
	}
	defer e.Close()

	fmt.Printf("initialized device %s at %s\n", e.Device, *storagePath)
	return exitOK
}

func cmdStart(cfgPath string, args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.StringVar(&cfgPath, "config", cfgPath, "path to config file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	e, err := loadEngine(cfgPath)
	if err != nil {
		log.Printf("start: %v", err)
		return exitOther
	}
	defer e.Close()

	if err := e.StartSync(); err != nil {
		log.Printf("start: %v", err)
		return exitTransportFailure
	}

	log.Printf("syncengine running for device %s, press ctrl-c to stop", e.Device)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down sync loop")
	e.StopSync()
	return exitOK
}

func cmdSync(cfgPath string, args []string) int {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	fs.StringVar(&cfgPath, "config", cfgPath, "path to config file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	e, err := loadEngine(cfgPath)
	if err != nil {
		log.Printf("sync: %v", err)
		return exitOther
	}
	defer e.Close()

	if err := e.StartSync(); err != nil {
		log.Printf("sync: %v", err)
		return exitTransportFailure
	}
	defer e.StopSync()

	if err := e.SyncNow(context.Background()); err != nil {
		log.Printf("sync: %v", err)
		if isSchema, isTransport := syncengine.ClassifySyncCycleError(err); isSchema {
			return exitSchemaIncompatible
		} else if isTransport {
			return exitTransportFailure
		}
		return exitOther
	}
	fmt.Println("sync cycle complete")
	return exitOK
}

func cmdStatus(cfgPath string, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.StringVar(&cfgPath, "config", cfgPath, "path to config file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	e, err := loadEngine(cfgPath)
	if err != nil {
		log.Printf("status: %v", err)
		return exitOther
	}
	defer e.Close()

	pending, err := e.PendingConflicts(context.Background())
	if err != nil {
		log.Printf("status: %v", err)
		return exitOther
	}

	fmt.Printf("device:          %s\n", e.Device)
	fmt.Printf("sync state:      %s\n", e.SyncState())
	fmt.Printf("vector clock:    %v\n", e.VectorClock())
	fmt.Printf("open conflicts:  %d\n", len(pending))
	if len(pending) > 0 {
		return exitUnresolvedConflict
	}
	return exitOK
}

func cmdResolve(cfgPath string, args []string) int {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	fs.StringVar(&cfgPath, "config", cfgPath, "path to config file")
	conflictIDStr := fs.String("conflict", "", "conflict id to resolve")
	strategy := fs.String("strategy", "last_write_wins", "last_write_wins|field_merge|manual")
	preferLocal := fs.Bool("prefer-local", false, "break ties in favor of the local operation")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *conflictIDStr == "" {
		fmt.Fprintln(os.Stderr, "resolve: -conflict is required")
		return exitUsage
	}

	conflictID, err := ids.Parse(*conflictIDStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve: invalid conflict id: %v\n", err)
		return exitUsage
	}

	var strat resolver.Strategy
	switch *strategy {
	case "last_write_wins":
		strat = resolver.LastWriteWins
	case "field_merge":
		strat = resolver.FieldMerge
	case "manual":
		strat = resolver.Manual
	default:
		fmt.Fprintf(os.Stderr, "resolve: unknown strategy %q\n", *strategy)
		return exitUsage
	}

	e, err := loadEngine(cfgPath)
	if err != nil {
		log.Printf("resolve: %v", err)
		return exitOther
	}
	defer e.Close()

	rcfg := resolver.DefaultConfig()
	rcfg.Strategy = strat
	rcfg.PreferLocal = *preferLocal

	op, err := e.ResolveConflict(context.Background(), conflictID, rcfg)
	if err != nil {
		log.Printf("resolve: %v", err)
		return exitUnresolvedConflict
	}
	fmt.Printf("conflict %s resolved by op %s\n", conflictID, op.OpID)
	return exitOK
}

func cmdMigrate(cfgPath string, args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.StringVar(&cfgPath, "config", cfgPath, "path to config file")
	table := fs.String("table", "", "table to alter")
	column := fs.String("column", "", "new column name")
	colType := fs.String("type", "TEXT", "new column type")
	defaultVal := fs.String("default", "", "default value")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *table == "" || *column == "" {
		fmt.Fprintln(os.Stderr, "migrate: -table and -column are required")
		return exitUsage
	}

	e, err := loadEngine(cfgPath)
	if err != nil {
		log.Printf("migrate: %v", err)
		return exitOther
	}
	defer e.Close()

	mig, err := e.AddColumn(context.Background(), *table, *column, *colType, []byte(*defaultVal))
	if err != nil {
		log.Printf("migrate: %v", err)
		return exitSchemaIncompatible
	}
	fmt.Printf("migration %s applied: %s.%s %s\n", mig.MigrationID, *table, *column, *colType)
	return exitOK
}

func cmdPeers(cfgPath string, args []string) int {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	fs.StringVar(&cfgPath, "config", cfgPath, "path to config file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	e, err := loadEngine(cfgPath)
	if err != nil {
		log.Printf("peers: %v", err)
		return exitOther
	}
	defer e.Close()

	rows, err := e.Store().DB().QueryContext(context.Background(),
		`SELECT peer_id, last_seen, last_sync_at, endpoint_hint FROM sync_peers ORDER BY last_seen DESC`)
	if err != nil {
		log.Printf("peers: %v", err)
		return exitOther
	}
	defer rows.Close()

	for rows.Next() {
		var peerIDRaw []byte
		var lastSeen int64
		var lastSyncAt *int64
		var endpoint *string
		if err := rows.Scan(&peerIDRaw, &lastSeen, &lastSyncAt, &endpoint); err != nil {
			log.Printf("peers: %v", err)
			return exitOther
		}
		hint := ""
		if endpoint != nil {
			hint = *endpoint
		}
		var syncedAt int64
		if lastSyncAt != nil {
			syncedAt = *lastSyncAt
		}
		fmt.Printf("%s  last_seen=%d  last_sync=%d  endpoint=%q\n", ids.FromBytes(peerIDRaw), lastSeen, syncedAt, hint)
	}
	return exitOK
}

func cmdSnapshot(cfgPath string, args []string) int {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	fs.StringVar(&cfgPath, "config", cfgPath, "path to config file")
	dest := fs.String("out", "", "destination bundle path")
	peer := fs.String("peer", "", "peer device id this bundle targets")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *dest == "" {
		fmt.Fprintln(os.Stderr, "snapshot: -out is required")
		return exitUsage
	}

	e, err := loadEngine(cfgPath)
	if err != nil {
		log.Printf("snapshot: %v", err)
		return exitOther
	}
	defer e.Close()

	peerID := e.Device
	if *peer != "" {
		if parsed, err := ids.Parse(*peer); err == nil {
			peerID = parsed
		}
	}

	m, err := e.Snapshot(context.Background(), peerID, *dest)
	if err != nil {
		log.Printf("snapshot: %v", err)
		return exitOther
	}
	fmt.Printf("wrote bundle %s (%d ops) to %s\n", m.BundleID, m.OpCount, *dest)
	return exitOK
}
