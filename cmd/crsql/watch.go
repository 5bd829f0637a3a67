package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	crdtsqlite "github.com/sinkingsugar/crdt-sqlite"
	"github.com/sinkingsugar/crdt-sqlite/internal/config"
	"github.com/sinkingsugar/crdt-sqlite/internal/wire"
)

var (
	watchInbox   string
	watchLogFile string
)

// appliedDir is where successfully merged change files are moved, inside
// the inbox.
const appliedDir = "applied"

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Merge change logs dropped into an inbox directory",
	Long: `Watch runs until interrupted, merging every *.jsonl change log that
appears in the inbox directory and moving applied files to inbox/applied/.

The database is locked exclusively for the lifetime of the watch (the
engine is single-writer); a second watch on the same database refuses to
start.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		inbox := watchInbox
		if inbox == "" {
			inbox = config.GetString("inbox")
		}
		if inbox == "" {
			return fmt.Errorf("an --inbox directory (or CRSQL_INBOX) is required")
		}
		logFile := watchLogFile
		if logFile == "" {
			logFile = config.GetString("log-file")
		}
		return runWatch(cmd.Context(), inbox, logFile)
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchInbox, "inbox", "", "directory to watch for *.jsonl change logs")
	watchCmd.Flags().StringVar(&watchLogFile, "log-file", "", "log to this rotating file instead of stderr")
	rootCmd.AddCommand(watchCmd)
}

func watchLogger(logFile string) (*slog.Logger, func()) {
	if logFile == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, nil)), func() {}
	}
	sink := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
	}
	return slog.New(slog.NewTextHandler(sink, nil)), func() { _ = sink.Close() }
}

func runWatch(parent context.Context, inbox, logFile string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, closeLog := watchLogger(logFile)
	defer closeLog()

	if err := os.MkdirAll(filepath.Join(inbox, appliedDir), 0o755); err != nil {
		return fmt.Errorf("creating applied directory: %w", err)
	}

	// One writer per database file: a second watch on the same database
	// fails to take the lock.
	lock := flock.New(config.GetString("db") + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring database lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another crsql process holds %s", lock.Path())
	}
	defer func() { _ = lock.Unlock() }()

	table := config.GetString("table")
	if table == "" {
		return fmt.Errorf("a --table (or CRSQL_TABLE) is required")
	}
	eng, err := openEngineWithLogger(log)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()
	if err := eng.Enable(ctx, table); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher() failed: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(inbox); err != nil {
		return fmt.Errorf("watching %s: %w", inbox, err)
	}

	log.Info("watching inbox", "inbox", inbox, "db", config.GetString("db"), "node", eng.NodeID())

	// Catch up on files that were dropped before the watch started.
	if err := mergeExisting(ctx, eng, log, inbox); err != nil {
		return err
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".jsonl") {
				continue
			}
			if err := mergeFile(ctx, eng, log, event.Name); err != nil {
				// Cancellation ends the watch; any other failure is logged
				// and the file stays in the inbox.
				if ctx.Err() != nil {
					return err
				}
				log.Error("merge failed", "file", event.Name, "error", err)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("watcher error", "error", werr)
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		}
	}
}

func openEngineWithLogger(log *slog.Logger) (*crdtsqlite.Engine, error) {
	node := config.GetUint64("node")
	if node == 0 {
		return nil, fmt.Errorf("a nonzero --node (or CRSQL_NODE) is required")
	}
	opts := []crdtsqlite.Option{crdtsqlite.WithLogger(log)}
	if useBlobIDs {
		opts = append(opts, crdtsqlite.WithBlobIDs())
	}
	return crdtsqlite.Open(config.GetString("db"), node, opts...)
}

func mergeExisting(ctx context.Context, eng *crdtsqlite.Engine, log *slog.Logger, inbox string) error {
	entries, err := os.ReadDir(inbox)
	if err != nil {
		return fmt.Errorf("reading inbox: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".jsonl") {
			files = append(files, filepath.Join(inbox, entry.Name()))
		}
	}
	sort.Strings(files)
	for _, path := range files {
		if err := mergeFile(ctx, eng, log, path); err != nil {
			if ctx.Err() != nil {
				return err
			}
			log.Error("merge failed", "file", path, "error", err)
		}
	}
	return nil
}

func mergeFile(ctx context.Context, eng *crdtsqlite.Engine, log *slog.Logger, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Already applied on a previous event for the same file.
			return nil
		}
		return err
	}
	changes, err := wire.Read(f)
	_ = f.Close()
	if err != nil {
		return err
	}
	accepted, err := eng.Merge(ctx, changes)
	if err != nil {
		return err
	}
	log.Info("merged change log", "file", filepath.Base(path),
		"changes", len(changes), "accepted", len(accepted))

	dest := filepath.Join(filepath.Dir(path), appliedDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		// Cross-device inboxes land here; fall back to copy + remove.
		if copyErr := copyFile(path, dest); copyErr != nil {
			return fmt.Errorf("archiving %s: %w", path, err)
		}
		return os.Remove(path)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
