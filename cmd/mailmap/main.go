package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/knadh/koanf/providers/file"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fenilsonani/mailmap/internal/categories"
	"github.com/fenilsonani/mailmap/internal/config"
	"github.com/fenilsonani/mailmap/internal/duplex"
	"github.com/fenilsonani/mailmap/internal/imap"
	"github.com/fenilsonani/mailmap/internal/induction"
	"github.com/fenilsonani/mailmap/internal/llm"
	"github.com/fenilsonani/mailmap/internal/logging"
	"github.com/fenilsonani/mailmap/internal/mail/source"
	sourceduplex "github.com/fenilsonani/mailmap/internal/mail/source/duplex"
	"github.com/fenilsonani/mailmap/internal/mail/source/localcache"
	"github.com/fenilsonani/mailmap/internal/mail/source/remoteimap"
	"github.com/fenilsonani/mailmap/internal/mail/target"
	targetduplex "github.com/fenilsonani/mailmap/internal/mail/target/duplex"
	targetremoteimap "github.com/fenilsonani/mailmap/internal/mail/target/remoteimap"
	"github.com/fenilsonani/mailmap/internal/pipeline"
	"github.com/fenilsonani/mailmap/internal/rules"
	"github.com/fenilsonani/mailmap/internal/store"
)

var (
	cfgFile string
	cfg     config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailmap",
	Short: "Organize personal email into categories using a local LLM",
	Long: `mailmap watches an IMAP mailbox (or a cached Thunderbird profile),
classifies each message against a learned taxonomy using a local Ollama
model, and optionally files it into the matching folder.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")

	daemonCmd.Flags().Bool("process-existing", false, "classify up to 100 existing messages per idle folder, read or unread, before starting the listener")
	rootCmd.AddCommand(daemonCmd)

	classifyCmd.Flags().Bool("copy", false, "copy classified messages into their predicted folder")
	classifyCmd.Flags().Bool("move", false, "move classified messages into their predicted folder")
	classifyCmd.Flags().String("target-account", "local", "delivery target: local, imap, or a duplex account id")
	classifyCmd.Flags().Float64("min-confidence", 0, "override database's min confidence before routing to Unknown (0 keeps the default)")
	classifyCmd.Flags().String("folder", "", "override local_cache.folder_filter for this run")
	rootCmd.AddCommand(classifyCmd)

	rootCmd.AddCommand(learnCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the mailmap version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("mailmap dev")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database and run pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.EnsureDirectories(); err != nil {
			return err
		}
		st, err := store.Open(context.Background(), cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer st.Close()
		fmt.Println("Migrations completed successfully")
		return nil
	},
}

// resourceTracker holds everything the daemon command opens, so
// cleanup can close it all in reverse order regardless of which path
// returned an error.
type resourceTracker struct {
	store      *store.Store
	metricsSrv *http.Server
	logger     *logging.Logger
}

// cleanup shuts down resources in reverse initialization order. The
// duplex server needs no entry here: it tears itself down on its own
// context's cancellation, which daemonCmd triggers before calling this.
func (r *resourceTracker) cleanup() {
	if r.logger != nil {
		r.logger.InfoContext(context.Background(), "starting graceful shutdown")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(shutdownCtx); err != nil && r.logger != nil {
			r.logger.WarnContext(shutdownCtx, "metrics server shutdown error", "error", err)
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil && r.logger != nil {
			r.logger.WarnContext(shutdownCtx, "store close error", "error", err)
		}
	}
	if r.logger != nil {
		r.logger.InfoContext(shutdownCtx, "shutdown complete")
	}
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the IMAP listener and classify incoming mail as it arrives",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.EnsureDirectories(); err != nil {
			return fmt.Errorf("failed to create required directories: %w", err)
		}

		logger, err := logging.New(logging.Config{
			Level:     cfg.Logging.Level,
			Format:    cfg.Logging.Format,
			Output:    cfg.Logging.Output,
			AddSource: cfg.Logging.AddSource,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		resources := &resourceTracker{logger: logger}
		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(os.Stderr, "PANIC during daemon operation: %v\n", r)
				resources.cleanup()
				panic(r)
			}
		}()

		st, err := store.Open(context.Background(), cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		resources.store = st
		logger.InfoContext(context.Background(), "database opened", "path", cfg.Database.Path)

		cats, err := categories.Load(cfg.Database.CategoriesFile)
		if err != nil {
			resources.cleanup()
			return fmt.Errorf("failed to load categories: %w", err)
		}

		ruleSet, parseErrs := rules.ParseAll(cfg.Spam.Rules)
		for _, e := range parseErrs {
			logger.WarnContext(context.Background(), "discarding invalid spam rule", "error", e)
		}

		llmClient := llm.New(cfg.Ollama, logger)

		var duplexSrv *duplex.Server
		if cfg.Duplex.Enabled {
			duplexSrv = duplex.New(cfg.Duplex, st, cfg.Database.CategoriesFile, logger)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if duplexSrv != nil {
			go func() {
				if err := duplexSrv.Start(ctx); err != nil {
					logger.ErrorContext(ctx, "duplex server stopped", err)
				}
			}()
			logger.InfoContext(ctx, "duplex server starting", "host", cfg.Duplex.Host, "port", cfg.Duplex.Port)
		}

		if cfg.Metrics.Enabled {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			resources.metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
			go func() {
				if err := resources.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.ErrorContext(ctx, "metrics server stopped", err)
				}
			}()
			logger.InfoContext(ctx, "metrics endpoint listening", "addr", cfg.Metrics.Addr)
		}

		// The daemon classifies incoming mail but never files it: routing
		// a live, still-arriving message is the classify command's job,
		// run against the same store once the daemon has tagged it.
		p := pipeline.New(st, llmClient, cats, ruleSet, nil, duplexSrv, pipeline.Options{}, logger)

		watchCategoriesFile(ctx, cfg.Database.CategoriesFile, p, logger)

		processExisting, _ := cmd.Flags().GetBool("process-existing")
		if processExisting && cfg.Imap.Host != "" {
			if err := processExistingMail(ctx, cfg, st, p); err != nil {
				logger.WarnContext(ctx, "failed to process existing mail", "error", err)
			}
		}

		var pipelineWG sync.WaitGroup
		pipelineWG.Add(1)
		go func() {
			defer pipelineWG.Done()
			p.Run(ctx)
		}()

		if cfg.Imap.Host != "" {
			listener := imap.NewListener(cfg.Imap, logger)
			go listener.Start(ctx, p.Enqueue)
			logger.InfoContext(ctx, "IMAP listener starting", "folders", cfg.Imap.IdleFolders)
		} else {
			logger.WarnContext(ctx, "no imap host configured, daemon will only serve duplex requests")
		}

		fmt.Println("mailmap daemon running. Press Ctrl+C to stop.")
		logger.InfoContext(ctx, "daemon started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		sig := <-sigCh
		logger.InfoContext(ctx, "received shutdown signal", "signal", sig.String())

		cancel()
		pipelineWG.Wait()
		resources.cleanup()

		logger.InfoContext(context.Background(), "daemon stopped")
		return nil
	},
}

// watchCategoriesFile reloads the taxonomy into p whenever the
// category file changes on disk, so "learn" or "init" run against the
// same file while the daemon is up take effect without a restart. The
// watch itself stops when ctx is cancelled.
func watchCategoriesFile(ctx context.Context, path string, p *pipeline.Pipeline, logger *logging.Logger) {
	provider := file.Provider(path)
	err := provider.Watch(func(event interface{}, err error) {
		if err != nil {
			logger.WarnContext(ctx, "category file watch error", "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		cats, err := categories.Load(path)
		if err != nil {
			logger.WarnContext(ctx, "failed to reload categories after file change", "error", err)
			return
		}
		p.SetCategories(cats)
		logger.InfoContext(ctx, "reloaded categories after file change", "count", len(cats))
	})
	if err != nil {
		logger.WarnContext(ctx, "could not start category file watcher", "path", path, "error", err)
	}
}

// processExistingMail classifies the backlog already sitting in the
// configured idle folders before the listener starts watching for new
// arrivals, mirroring the daemon's optional pre-sweep.
func processExistingMail(ctx context.Context, cfg config.Config, st *store.Store, p *pipeline.Pipeline) error {
	src := remoteimap.New(cfg.Imap)
	if err := src.Connect(ctx); err != nil {
		return fmt.Errorf("connect imap for backlog sweep: %w", err)
	}
	defer src.Close()

	for _, folder := range cfg.Imap.IdleFolders {
		out, errc := src.ReadMessages(ctx, folder, 100, false)
		for env := range out {
			exists, err := st.Exists(ctx, env.MessageID)
			if err != nil || exists {
				continue
			}
			p.Enqueue(env)
		}
		if err := <-errc; err != nil {
			return fmt.Errorf("backlog sweep folder %s: %w", folder, err)
		}
	}
	return nil
}

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Run a one-shot classification sweep over existing mail",
	RunE: func(cmd *cobra.Command, args []string) error {
		copyFlag, _ := cmd.Flags().GetBool("copy")
		moveFlag, _ := cmd.Flags().GetBool("move")
		if copyFlag && moveFlag {
			return fmt.Errorf("cannot specify both --copy and --move")
		}
		targetAccount, _ := cmd.Flags().GetString("target-account")
		minConfidence, _ := cmd.Flags().GetFloat64("min-confidence")
		folderOverride, _ := cmd.Flags().GetString("folder")

		logger := logging.Default()

		st, err := store.Open(context.Background(), cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer st.Close()

		cats, err := categories.Load(cfg.Database.CategoriesFile)
		if err != nil {
			return fmt.Errorf("failed to load categories: %w", err)
		}
		if len(cats) == 0 {
			return fmt.Errorf("no categories found in %s, run 'mailmap learn' or 'mailmap init' first", cfg.Database.CategoriesFile)
		}

		ruleSet, parseErrs := rules.ParseAll(cfg.Spam.Rules)
		for _, e := range parseErrs {
			logger.WarnContext(context.Background(), "discarding invalid spam rule", "error", e)
		}

		llmClient := llm.New(cfg.Ollama, logger)

		var duplexSrv *duplex.Server
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		needsDuplex := cfg.Duplex.Enabled || ((copyFlag || moveFlag) && targetAccount != "imap")
		if needsDuplex {
			duplexSrv = duplex.New(cfg.Duplex, st, cfg.Database.CategoriesFile, logger)
			go func() {
				if err := duplexSrv.Start(ctx); err != nil {
					logger.ErrorContext(ctx, "duplex server stopped", err)
				}
			}()
			logger.InfoContext(ctx, "waiting for a Thunderbird extension to connect", "port", cfg.Duplex.Port)
			if !waitForDuplexClient(ctx, duplexSrv, 60*time.Second) {
				logger.WarnContext(ctx, "no extension connected, continuing without a duplex target")
			}
		}

		src, err := selectSource(cfg, cfg.LocalCache.SourceType, duplexSrv)
		if err != nil {
			return err
		}

		var tgt target.Target
		if copyFlag || moveFlag {
			action := "copy"
			if moveFlag {
				action = "move"
			}
			tgt, err = selectTarget(cfg, duplexSrv, targetAccount)
			if err != nil {
				return fmt.Errorf("no target available for %s: %w", action, err)
			}
			if err := tgt.Connect(ctx); err != nil {
				return fmt.Errorf("connect target: %w", err)
			}
			defer tgt.Close()
		}

		p := pipeline.New(st, llmClient, cats, ruleSet, tgt, duplexSrv, pipeline.Options{
			MinConfidence: minConfidence,
			Move:          moveFlag,
			TargetAccount: targetAccount,
		}, logger)

		filter := cfg.LocalCache.FolderFilter
		if folderOverride != "" {
			filter = folderOverride
		}
		skip := map[string]bool{}
		if cfg.Spam.Enabled {
			for _, f := range cfg.Spam.SkipFolders {
				skip[f] = true
			}
		}

		counters, err := p.BulkClassify(ctx, src, pipeline.BulkOptions{
			FolderFilter: filter,
			SkipFolders:  skip,
			ImportLimit:  int(cfg.LocalCache.ImportLimit),
			RandomSample: cfg.LocalCache.RandomSample,
		})
		if err != nil {
			return fmt.Errorf("classification run failed: %w", err)
		}

		fmt.Printf("Classification complete: %d imported, %d classified, %d spam\n",
			counters.Imported, counters.Classified, counters.Spam)
		if tgt != nil {
			fmt.Printf("Target actions: %d routed, %d failed\n", counters.Routed, counters.Failed)
		}
		return nil
	},
}

func waitForDuplexClient(ctx context.Context, srv *duplex.Server, timeout time.Duration) bool {
	deadline := time.After(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if srv.ClientCount() > 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// systemFolders lists the well-known mailbox names excluded from
// learn's folder-to-category induction: their names describe delivery
// state, not subject matter.
var systemFolders = map[string]bool{
	"INBOX": true, "Inbox": true,
	"Sent": true, "Sent Items": true, "Sent Mail": true,
	"Drafts": true, "Draft": true,
	"Trash": true, "Deleted Items": true, "Deleted": true,
	"Junk": true, "Junk E-mail": true, "Spam": true,
	"Archive": true, "Archives": true, "All Mail": true,
	"Outbox": true, "Notes": true, "Calendar": true, "Contacts": true, "Tasks": true,
}

func isSystemFolder(name string) bool {
	if systemFolders[name] {
		return true
	}
	normalized := strings.ReplaceAll(name, "\\", "/")
	for _, part := range strings.Split(normalized, "/") {
		if systemFolders[part] {
			return true
		}
	}
	return false
}

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Generate categories by describing each existing non-system folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.Default()
		ctx := context.Background()

		src, err := selectSource(cfg, cfg.LocalCache.SourceType, nil)
		if err != nil {
			return err
		}
		if err := src.Connect(ctx); err != nil {
			return fmt.Errorf("connect source: %w", err)
		}
		defer src.Close()

		allFolders, err := src.ListFolders(ctx)
		if err != nil {
			return fmt.Errorf("list folders: %w", err)
		}

		seen := map[string]bool{}
		type userFolder struct{ spec, name string }
		var userFolders []userFolder
		for _, spec := range allFolders {
			name := spec
			if idx := strings.Index(spec, ":"); idx >= 0 {
				name = spec[idx+1:]
			}
			if seen[name] || isSystemFolder(name) {
				continue
			}
			seen[name] = true
			userFolders = append(userFolders, userFolder{spec: spec, name: name})
		}

		logger.InfoContext(ctx, "folder scan complete", "total", len(allFolders), "candidates", len(userFolders))
		if len(userFolders) == 0 {
			logger.WarnContext(ctx, "no user folders found to learn from")
			return nil
		}

		existing, err := categories.Load(cfg.Database.CategoriesFile)
		if err != nil {
			return fmt.Errorf("load existing categories: %w", err)
		}
		existingNames := map[string]bool{}
		for _, c := range existing {
			existingNames[c.Name] = true
		}

		llmClient := llm.New(cfg.Ollama, logger)
		var added []categories.Category

		for _, uf := range userFolders {
			if existingNames[uf.name] {
				logger.InfoContext(ctx, "category already exists, skipping", "folder", uf.name)
				continue
			}

			out, errc := src.ReadMessages(ctx, uf.spec, cfg.LocalCache.SamplesPerFolder, cfg.LocalCache.RandomSample)
			var samples []llm.Sample
			for env := range out {
				samples = append(samples, llm.Sample{
					MessageID: env.MessageID,
					Subject:   env.Subject,
					From:      env.From,
					Body:      env.Body,
				})
			}
			if err := <-errc; err != nil {
				logger.WarnContext(ctx, "error sampling folder", "folder", uf.spec, "error", err)
			}
			if len(samples) == 0 {
				logger.InfoContext(ctx, "no emails in folder, skipping", "folder", uf.name)
				continue
			}

			desc, err := llmClient.DescribeFolder(ctx, uf.name, samples)
			if err != nil {
				logger.WarnContext(ctx, "failed to describe folder", "folder", uf.name, "error", err)
				continue
			}
			added = append(added, categories.Category{Name: uf.name, Description: desc.Description})
			logger.InfoContext(ctx, "created category", "name", uf.name)
		}

		all := append(append([]categories.Category{}, existing...), added...)
		if err := categories.Save(all, cfg.Database.CategoriesFile); err != nil {
			return fmt.Errorf("save categories: %w", err)
		}

		fmt.Printf("Learning complete: %d new categories added\n", len(added))
		fmt.Printf("Total categories: %d (saved to %s)\n", len(all), cfg.Database.CategoriesFile)
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Induce a category taxonomy from sampled mail across all folders",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.Default()
		ctx := context.Background()

		src, err := selectSource(cfg, cfg.LocalCache.SourceType, nil)
		if err != nil {
			return err
		}
		if err := src.Connect(ctx); err != nil {
			return fmt.Errorf("connect source: %w", err)
		}
		defer src.Close()

		allFolders, err := src.ListFolders(ctx)
		if err != nil {
			return fmt.Errorf("list folders: %w", err)
		}

		folders := allFolders
		if cfg.LocalCache.FolderFilter != "" {
			folders = filterFoldersForInit(allFolders, cfg.LocalCache.FolderFilter)
			if len(folders) == 0 {
				return fmt.Errorf("folder %q not found", cfg.LocalCache.FolderFilter)
			}
		}

		perFolderLimit := cfg.LocalCache.InitSampleLimit
		if len(folders) > 1 {
			perFolderLimit = max(50, perFolderLimit/len(folders))
		}

		var samples []llm.Sample
		for _, spec := range folders {
			out, errc := src.ReadMessages(ctx, spec, perFolderLimit, cfg.LocalCache.RandomSample)
			for env := range out {
				samples = append(samples, llm.Sample{
					MessageID: env.MessageID,
					Subject:   env.Subject,
					From:      env.From,
					Body:      env.Body,
				})
			}
			if err := <-errc; err != nil {
				logger.WarnContext(ctx, "error sampling folder", "folder", spec, "error", err)
			}
		}

		if len(samples) == 0 {
			return fmt.Errorf("no emails found to analyze")
		}
		logger.InfoContext(ctx, "collected samples, inducing taxonomy", "count", len(samples))

		llmClient := llm.New(cfg.Ollama, logger)
		result, err := induction.Run(ctx, llmClient, logger, samples)
		if err != nil {
			return fmt.Errorf("induction failed: %w", err)
		}

		fmt.Printf("\nProcessed %d emails.\n", len(samples))
		fmt.Printf("Final folder structure (%d categories):\n\n", len(result.Categories))
		for i, c := range result.Categories {
			fmt.Printf("  %d. %s\n     %s\n", i+1, c.Name, c.Description)
		}

		counts := map[string]int{}
		for _, cat := range result.Assignments {
			counts[cat]++
		}
		if len(counts) > 0 {
			type kv struct {
				name  string
				count int
			}
			var sorted []kv
			for k, v := range counts {
				sorted = append(sorted, kv{k, v})
			}
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].count > sorted[j].count })
			fmt.Println("\nEmail distribution:")
			for _, e := range sorted {
				fmt.Printf("  %s: %d\n", e.name, e.count)
			}
		}

		if err := categories.Save(result.Categories, cfg.Database.CategoriesFile); err != nil {
			return fmt.Errorf("save categories: %w", err)
		}
		fmt.Printf("\nSaved %d categories to %s\n", len(result.Categories), cfg.Database.CategoriesFile)
		return nil
	},
}

func filterFoldersForInit(folders []string, want string) []string {
	var out []string
	for _, f := range folders {
		if f == want || strings.HasSuffix(f, ":"+want) {
			out = append(out, f)
		}
	}
	return out
}

// selectSource picks the ingestion backend the way the desktop
// counterpart's select_source does: an explicit imap or duplex
// sourceType wins; for local_cache or an empty sourceType, prefer the
// local Thunderbird cache for its speed, falling back to live IMAP.
func selectSource(cfg config.Config, sourceType string, duplexSrv *duplex.Server) (source.Source, error) {
	switch sourceType {
	case "imap":
		if cfg.Imap.Host == "" {
			return nil, fmt.Errorf("imap source requested but imap.host is not configured")
		}
		return remoteimap.New(cfg.Imap), nil
	case "duplex":
		if duplexSrv == nil {
			return nil, fmt.Errorf("duplex source requested but no duplex server is running")
		}
		return sourceduplex.New(duplexSrv), nil
	case "local_cache", "":
		if cfg.LocalCache.ProfilePath != "" {
			if _, err := os.Stat(filepath.Join(cfg.LocalCache.ProfilePath, "ImapMail")); err == nil {
				return localcache.New(cfg.LocalCache.ProfilePath), nil
			}
		}
		if cfg.Imap.Host != "" {
			return remoteimap.New(cfg.Imap), nil
		}
		return nil, fmt.Errorf("no email source available: configure local_cache.profile_path or imap.host")
	default:
		return nil, fmt.Errorf("unknown source type %q", sourceType)
	}
}

// selectTarget picks the delivery backend the way the desktop
// counterpart's select_target does: Local Folders and named accounts
// require the duplex channel, while "imap" prefers duplex when
// connected and otherwise falls back to a direct IMAP append/move.
func selectTarget(cfg config.Config, duplexSrv *duplex.Server, targetAccount string) (target.Target, error) {
	if targetAccount == "" {
		targetAccount = "local"
	}
	duplexAvailable := duplexSrv != nil && duplexSrv.ClientCount() > 0

	switch targetAccount {
	case "local":
		if !duplexAvailable {
			return nil, fmt.Errorf("target 'local' (Thunderbird Local Folders) requires a connected duplex client")
		}
		return targetduplex.New(duplexSrv, targetAccount), nil
	case "imap":
		if duplexAvailable {
			return targetduplex.New(duplexSrv, targetAccount), nil
		}
		if cfg.Imap.Host != "" {
			return targetremoteimap.New(cfg.Imap), nil
		}
		return nil, fmt.Errorf("no imap target available: connect a duplex client or configure imap.host")
	default:
		if !duplexAvailable {
			return nil, fmt.Errorf("target account %q requires a connected duplex client", targetAccount)
		}
		return targetduplex.New(duplexSrv, targetAccount), nil
	}
}
