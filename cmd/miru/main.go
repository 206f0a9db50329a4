// Package main is the miru CLI entry point.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/cli"
	"github.com/hyperjump/miru/internal/config"
	"github.com/hyperjump/miru/internal/fileid"
	"github.com/hyperjump/miru/internal/indexer"
	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/search"
	"github.com/hyperjump/miru/internal/server"
	"github.com/hyperjump/miru/internal/storage"
	"github.com/hyperjump/miru/internal/watcher"
	"github.com/hyperjump/miru/pkg/utils"
)

var version = "dev"

const defaultTopK = 5

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "serve", "server":
		runServe()
	case "index":
		runIndex()
	case "search":
		runSearch()
	case "interactive":
		runInteractive()
	case "stats":
		runStats()
	case "delete":
		runDelete()
	case "init":
		runInit()
	case "export":
		runExport()
	case "import":
		runImport()
	case "version", "--version", "-v":
		fmt.Printf("miru version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// setup loads config and builds the logger shared by every command.
func setup(configPath string, debugFlag bool) (*config.Config, *zap.Logger, string) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || debugFlag
	cfg.Debug = debugMode
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	return cfg, logger, resolved
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func parseFormat(s string) cli.OutputFormat {
	format, err := cli.ParseOutputFormat(s)
	if err != nil {
		fail("%v", err)
	}
	return format
}

func runServe() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (file events, ingestion progress, etc.)")
	_ = fs.Parse(os.Args[2:])

	cfg, logger, resolvedConfigPath := setup(*configPath, *debug)
	defer logger.Sync()
	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", cfg.Debug),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := initializeComponents(ctx, cfg, logger, cfg.Debug)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	if len(cfg.Watch.Directories) > 0 {
		w := startWatch(ctx, cfg, components, logger)
		defer w.Stop()
	}

	srv := server.NewServer(components.Engine, components.Ingester, components.Store, cfg, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)
	if err := components.Store.Persist(shutdownCtx); err != nil {
		logger.Warn("final checkpoint failed", zap.Error(err))
	}
}

// startWatch syncs each watched directory once, then applies file events until ctx ends.
func startWatch(ctx context.Context, cfg *config.Config, c *Components, logger *zap.Logger) *watcher.Watcher {
	scheme, err := fileid.ParseScheme(cfg.Ingest.IDScheme)
	if err != nil {
		logger.Fatal("invalid id scheme", zap.Error(err))
	}
	syncer := watcher.NewSyncer(ctx, c.Store, c.Ingester, scheme, cfg.Ingest.Extensions, logger)
	opts := []watcher.WatcherOption{}
	if cfg.Debug {
		opts = append(opts, watcher.WithLogger(logger))
	}
	w := watcher.NewWatcher(cfg.Watch.Directories, cfg.Ingest.Extensions, cfg.Watch.RecursiveOrDefault(), syncer, opts...)
	if err := w.Start(ctx); err != nil {
		logger.Fatal("Failed to start watcher", zap.Error(err))
	}
	go func() {
		for _, dir := range w.Directories() {
			report, pruned, err := syncer.SyncDirectory(ctx, dir)
			if err != nil {
				logger.Error("initial sync failed", zap.String("dir", dir), zap.Error(err))
				continue
			}
			logger.Info("initial sync finished", zap.String("dir", dir),
				zap.Int("added", report.Added), zap.Int("failed", report.FailedCount()), zap.Int("pruned", pruned))
		}
	}()
	return w
}

func runIndex() {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	outputFormat := fs.String("output", "text", "output format: text, compact, or json")
	_ = fs.Parse(os.Args[2:])
	format := parseFormat(*outputFormat)

	cfg, logger, _ := setup(*configPath, *debug)
	defer logger.Sync()
	dir := cfg.Ingest.ImageDir
	if fs.NArg() > 0 {
		dir = fs.Arg(0)
	}
	if dir == "" {
		fail("Usage: miru index [flags] <image-directory>  (or set ingest.image_dir)")
	}
	scheme, err := fileid.ParseScheme(cfg.Ingest.IDScheme)
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	components, err := initializeComponents(ctx, cfg, logger, cfg.Debug)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	candidates, err := indexer.DiscoverImages(dir, cfg.Ingest.Extensions, scheme)
	if err != nil {
		fail("Discovery failed: %v", err)
	}
	report, err := components.Ingester.Ingest(ctx, candidates)
	if report != nil {
		if werr := cli.WriteIngestReport(os.Stdout, report, format); werr != nil {
			fail("Output failed: %v", werr)
		}
	}
	if err != nil {
		fail("Indexing stopped: %v", err)
	}
}

// printSearchUsage prints search subcommand usage.
func printSearchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: miru search [flags] <query>\n\n")
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces. Multi-word queries work with or without quotes.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Examples:
  miru search red sports car
  miru search "a dog on the beach" --top_k 10
  miru search --output json sunset          # structured JSON for other apps
  miru search --server localhost:5000 cats  # ask a running server
`)
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// searchArgsReorder moves any flags (and their values) that appear after the query
// to the front of the slice so that flag.Parse() sees them. Go's flag package
// stops at the first non-flag argument, so `miru search "query" --top_k 3`
// would otherwise leave --top_k unparsed.
func searchArgsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// searchConfigPathFromArgs returns the value of -config or --config if present in args, else defaultPath.
func searchConfigPathFromArgs(args []string, defaultPath string) string {
	for i, a := range args {
		if (a == "-config" || a == "--config") && i+1 < len(args) {
			return args[i+1]
		}
	}
	return defaultPath
}

// searchTopKDefaultFromConfig returns search.default_limit from the config at path,
// or defaultTopK when it cannot be loaded.
func searchTopKDefaultFromConfig(path string) int {
	cfg, _, err := loadConfig(path)
	if err != nil || cfg == nil || cfg.Search.DefaultLimit <= 0 {
		return defaultTopK
	}
	return cfg.Search.DefaultLimit
}

func runSearch() {
	args := searchArgsReorder(os.Args[2:])
	defaultK := searchTopKDefaultFromConfig(searchConfigPathFromArgs(args, defaultConfigPath))

	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "server URL; empty opens the database directly")
	topK := fs.Int("top_k", defaultK, "number of results")
	outputFormat := fs.String("output", "text", "output format: text, compact, or json")
	fs.Usage = func() { printSearchUsage(fs) }
	_ = fs.Parse(args)

	queryStr := buildSearchQuery(fs.Args())
	if queryStr == "" {
		printSearchUsage(fs)
		os.Exit(1)
	}
	format := parseFormat(*outputFormat)

	var response *models.SearchResponse
	var err error
	if *serverURL != "" {
		response, err = cli.NewClient(*serverURL, 60*time.Second).Search(context.Background(), queryStr, *topK)
	} else {
		cfg, logger, _ := setup(*configPath, false)
		defer logger.Sync()
		ctx := context.Background()
		components, initErr := initializeComponents(ctx, cfg, logger, cfg.Debug)
		if initErr != nil {
			logger.Fatal("Failed to initialize", zap.Error(initErr))
		}
		defer components.Close()
		response, err = directSearch(ctx, components.Engine, cfg, queryStr, *topK)
	}
	if err != nil {
		fail("Search failed: %v", err)
	}
	if err := cli.WriteSearchResults(os.Stdout, response, format); err != nil {
		fail("Output failed: %v", err)
	}
}

// directSearch applies the configured limits and runs the query in-process.
func directSearch(ctx context.Context, engine *search.Engine, cfg *config.Config, text string, k int) (*models.SearchResponse, error) {
	query := &models.SearchQuery{Query: text, TopK: k}
	if err := search.ProcessQuery(query, search.Limits{Default: cfg.Search.DefaultLimit, Max: cfg.Search.MaxLimit}); err != nil {
		return nil, err
	}
	return engine.Search(ctx, query.Query, query.TopK)
}

func runInteractive() {
	fs := flag.NewFlagSet("interactive", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	topK := fs.Int("top_k", defaultTopK, "number of results")
	outputFormat := fs.String("output", "text", "output format: text, compact, or json")
	_ = fs.Parse(os.Args[2:])
	format := parseFormat(*outputFormat)

	cfg, logger, _ := setup(*configPath, false)
	defer logger.Sync()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	components, err := initializeComponents(ctx, cfg, logger, cfg.Debug)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	fmt.Printf("miru interactive search (%d images). Type a description, or quit to leave.\n", components.Store.Count())
	searchFn := func(ctx context.Context, text string) (*models.SearchResponse, error) {
		return directSearch(ctx, components.Engine, cfg, text, *topK)
	}
	if err := interactiveLoop(ctx, os.Stdin, os.Stdout, searchFn, format); err != nil {
		fail("Interactive session failed: %v", err)
	}
}

// interactiveLoop reads one query per line until EOF or quit/exit/q. Blank lines
// re-prompt; query errors are printed and the loop continues.
func interactiveLoop(ctx context.Context, in io.Reader, out io.Writer,
	searchFn func(context.Context, string) (*models.SearchResponse, error), format cli.OutputFormat) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "miru> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "quit", "exit", "q":
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		response, err := searchFn(ctx, line)
		if err != nil {
			fmt.Fprintf(out, "Search failed: %v\n", err)
			continue
		}
		if err := cli.WriteSearchResults(out, response, format); err != nil {
			return err
		}
	}
}

func runStats() {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "server URL; empty opens the database directly")
	outputFormat := fs.String("output", "text", "output format: text, compact, or json")
	_ = fs.Parse(os.Args[2:])
	format := parseFormat(*outputFormat)

	var stats *cli.StatsReport
	if *serverURL != "" {
		var err error
		stats, err = cli.NewClient(*serverURL, 30*time.Second).Stats(context.Background())
		if err != nil {
			fail("Stats failed: %v", err)
		}
	} else {
		cfg, logger, _ := setup(*configPath, false)
		defer logger.Sync()
		var err error
		stats, err = localStats(context.Background(), cfg, logger)
		if err != nil {
			fail("Stats failed: %v", err)
		}
	}
	if err := cli.WriteStats(os.Stdout, stats, format); err != nil {
		fail("Output failed: %v", err)
	}
}

// localStats opens the database and index without an embedding gateway.
func localStats(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*cli.StatsReport, error) {
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	live, err := openIndex(ctx, cfg, store, cfg.Embedding.Dimensions, logger)
	if err != nil {
		return nil, err
	}
	defer live.Close()
	if err := live.Rebuild(ctx); err != nil {
		return nil, err
	}
	report := &cli.StatsReport{
		Stats: models.Stats{
			TotalRecords: store.Count(),
			Dimension:    store.Dimension(),
			IndexType:    live.Type(),
			IndexSize:    live.Size(),
		},
		DatabasePath: cfg.Storage.DatabasePath,
	}
	if n, err := storage.DiskUsageBytes(storage.DatabaseFiles(cfg.Storage.DatabasePath)...); err == nil {
		report.DiskUsageBytes = n
	}
	return report, nil
}

func runDelete() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(os.Args[2:])
	if fs.NArg() < 1 {
		fail("Usage: miru delete [flags] <id> [id...]")
	}

	cfg, logger, _ := setup(*configPath, false)
	defer logger.Sync()
	store, err := openStore(cfg, logger)
	if err != nil {
		fail("%v", err)
	}
	defer store.Close()

	n, err := store.Delete(context.Background(), fs.Args())
	if err != nil {
		fail("Deletion failed: %v", err)
	}
	if n == 0 {
		fail("No matching records: %s", strings.Join(fs.Args(), ", "))
	}
	fmt.Printf("Deleted %d record(s)\n", n)
}

func runInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "overwrite an existing file")
	_ = fs.Parse(os.Args[2:])
	path := "config.yaml"
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	if err := writeDefaultConfig(path, *force); err != nil {
		fail("%v", err)
	}
	fmt.Printf("Wrote default config to %s\n", path)
}

// writeDefaultConfig saves the built-in defaults to path, refusing to replace an
// existing file unless force is set.
func writeDefaultConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return config.Save(path, config.Default())
}

func runExport() {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	compression := fs.String("compression", "", "none, zstd, or lz4 (default from storage.snapshot_compression)")
	_ = fs.Parse(os.Args[2:])
	if fs.NArg() < 1 {
		fail("Usage: miru export [flags] <file|->")
	}

	cfg, logger, _ := setup(*configPath, false)
	defer logger.Sync()
	codecName := *compression
	if codecName == "" {
		codecName = cfg.Storage.SnapshotCompression
	}
	codec, err := storage.ParseCompression(codecName)
	if err != nil {
		fail("%v", err)
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		fail("%v", err)
	}
	defer store.Close()

	out := io.Writer(os.Stdout)
	if target := fs.Arg(0); target != "-" {
		f, err := os.Create(target)
		if err != nil {
			fail("Create %s: %v", target, err)
		}
		defer f.Close()
		out = f
	}
	n, err := exportSnapshot(context.Background(), store, out, codec)
	if err != nil {
		fail("Export failed: %v", err)
	}
	fmt.Fprintf(os.Stderr, "Exported %d record(s) (%s)\n", n, codec)
}

// exportSnapshot writes every stored record to w.
func exportSnapshot(ctx context.Context, store storage.Store, w io.Writer, codec storage.Compression) (int, error) {
	n, err := storage.WriteSnapshot(w, store.Dimension(), store.All(ctx), codec)
	if err != nil {
		return n, err
	}
	return n, ctx.Err()
}

func runImport() {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	batchSize := fs.Int("batch", 256, "records per transaction")
	_ = fs.Parse(os.Args[2:])
	if fs.NArg() < 1 {
		fail("Usage: miru import [flags] <file|->")
	}

	cfg, logger, _ := setup(*configPath, false)
	defer logger.Sync()
	store, err := openStore(cfg, logger)
	if err != nil {
		fail("%v", err)
	}
	defer store.Close()

	in := io.Reader(os.Stdin)
	if source := fs.Arg(0); source != "-" {
		f, err := os.Open(source)
		if err != nil {
			fail("Open %s: %v", source, err)
		}
		defer f.Close()
		in = f
	}
	result, err := importSnapshot(context.Background(), store, in, *batchSize)
	if err != nil {
		if n := len(result.Stored); n > 0 {
			fmt.Printf("Imported %d record(s) before the error; they remain in the store\n", n)
		}
		fail("Import failed: %v", err)
	}
	fmt.Printf("Imported %d record(s), %d rejected\n", len(result.Stored), len(result.Failed))
	for _, f := range result.Failed {
		fmt.Printf("  %s [%s]: %s\n", f.ID, f.Kind, f.Reason)
	}
}

// importSnapshot upserts the records of a snapshot in batches. Existing ids are replaced.
// Batches committed before an error stay committed and are listed in the result.
func importSnapshot(ctx context.Context, store storage.Store, r io.Reader, batchSize int) (*models.BatchResult, error) {
	if batchSize <= 0 {
		batchSize = 256
	}
	want := store.Dimension()
	total := &models.BatchResult{Stored: []string{}}
	batch := make([]*models.VectorRecord, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		res, err := store.UpsertBatch(ctx, batch)
		if err != nil {
			return err
		}
		total.Stored = append(total.Stored, res.Stored...)
		total.Failed = append(total.Failed, res.Failed...)
		batch = batch[:0]
		return nil
	}
	_, _, err := storage.ReadSnapshot(r, func(rec *models.VectorRecord) error {
		if want > 0 && len(rec.Vector) != want {
			return fmt.Errorf("%w: snapshot has %d dimensions, store has %d",
				models.ErrDimensionMismatch, len(rec.Vector), want)
		}
		batch = append(batch, rec)
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return total, err
	}
	return total, flush()
}

func printUsage() {
	fmt.Println(`miru - local text-to-image similarity search

Usage:
  miru serve [flags]              Start the HTTP server (and watch configured directories)
  miru index [flags] [dir]        Embed and store every image under dir (default ingest.image_dir)
  miru search [flags] <query>     Find images matching a text description
  miru interactive [flags]        Search repeatedly from a prompt
  miru stats [flags]              Show record, dimension, and index statistics
  miru delete [flags] <id>...     Delete records by id
  miru init [--force] [file]      Write a default config (default: ./config.yaml)
  miru export [flags] <file|->    Write all records to a snapshot file
  miru import [flags] <file|->    Load records from a snapshot file
  miru version                    Show version
  miru help                       Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/miru/config.yaml, or ./config.yaml)

Serve / Index Flags:
  --debug            Enable debug logging

Search / Interactive Flags:
  --top_k int        Number of results (default: search.default_limit, 5)
  --output string    text, compact, or json (default: text)
  --server string    Server URL for search and stats (default: open the database directly)

Export / Import Flags:
  --compression string   none, zstd, or lz4 (default: storage.snapshot_compression)
  --batch int            Records per transaction on import (default: 256)

Examples:
  miru index ~/Pictures
  miru search "a red car parked on the street"
  miru search --output json --top_k 10 sunset over water
  miru serve --debug
  miru stats --server http://localhost:5000
  miru export --compression lz4 backup.miru
  miru import backup.miru`)
}
