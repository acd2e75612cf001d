// Command clipshrink compresses videos before upload and serves the
// estimate/progress API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/clipshrink/internal/config"
	"github.com/mantonx/clipshrink/internal/logger"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/core/probe"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/core/progress"
	cerrors "github.com/mantonx/clipshrink/internal/modules/compressionmodule/errors"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/types"
	"github.com/mantonx/clipshrink/internal/server"
)

const usage = `Usage: clipshrink <command> [flags]

Commands:
  compress        compress a video file
  estimate        predict what compress would do
  serve           run the HTTP API
  runs            list recent compress calls
  reset-failures  clear the engine load failure count for the session key

Run 'clipshrink <command> -h' for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "compress":
		err = runCompress(ctx, args)
	case "estimate":
		err = runEstimate(ctx, args)
	case "serve":
		err = runServe(ctx, args)
	case "runs":
		err = runRuns(ctx, args)
	case "reset-failures":
		err = runResetFailures(ctx, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "clipshrink:", describe(err))
		os.Exit(1)
	}
}

// describe prefers the user-facing message of a compression error
func describe(err error) string {
	if compressionmodule.IsCancelled(err) {
		return "cancelled"
	}
	var cErr *cerrors.CompressionError
	if errors.As(err, &cErr) {
		return fmt.Sprintf("%s (%s)", cErr.UserMessage(), cErr.Kind)
	}
	return err.Error()
}

// app is what every command needs
type app struct {
	cfgPath string
	cfg     *config.Config
	logger  hclog.Logger
	module  *compressionmodule.Module
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cfgPath := fs.String("config", os.Getenv("CLIPSHRINK_CONFIG"), "path to a YAML or JSON config file")
	return fs, cfgPath
}

func openApp(cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	module, err := compressionmodule.NewModule(cfg, log)
	if err != nil {
		return nil, err
	}
	return &app{cfgPath: cfgPath, cfg: cfg, logger: log, module: module}, nil
}

func (a *app) Close() {
	if err := a.module.Close(); err != nil {
		a.logger.Warn("failed to close history database", "error", err)
	}
}

func loadMedia(ctx context.Context, a *app, path string) (types.SourceMedia, error) {
	return probe.NewMediaProber(a.logger, "").Load(ctx, path)
}

func runCompress(ctx context.Context, args []string) error {
	fs, cfgPath := newFlagSet("compress")
	output := fs.String("o", "", "output file (default: <input>.compressed.mp4)")
	poster := fs.String("poster", "", "write the WebP poster frame here when the fallback engine produced one")
	quiet := fs.Bool("q", false, "do not print progress")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("compress needs exactly one input file")
	}
	input := fs.Arg(0)

	a, err := openApp(*cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	media, err := loadMedia(ctx, a, input)
	if err != nil {
		return err
	}

	var opts []compressionmodule.Option
	if !*quiet {
		opts = append(opts, compressionmodule.WithProgress(func(s progress.State) {
			fmt.Fprintf(os.Stderr, "\r%-13s %5.1f%%", s.Phase, s.Percent)
		}))
	}

	start := time.Now()
	art, err := a.module.Compressor.Compress(ctx, media, opts...)
	if !*quiet {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return err
	}

	if !art.Compressed {
		fmt.Printf("%s: %s, below the compression threshold; left unchanged\n", media.Name, formatSize(media.DeclaredSize()))
		if *output == "" {
			return nil
		}
	}

	dest := *output
	if dest == "" {
		dest = strings.TrimSuffix(input, filepath.Ext(input)) + ".compressed.mp4"
	}
	if err := os.WriteFile(dest, art.Data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if *poster != "" && len(art.Poster) > 0 {
		if err := os.WriteFile(*poster, art.Poster, 0o644); err != nil {
			return fmt.Errorf("failed to write poster: %w", err)
		}
	}

	if art.Compressed {
		fmt.Printf("%s: %s -> %s with the %s engine in %s (%s)\n",
			media.Name, formatSize(media.DeclaredSize()), formatSize(art.Size()),
			art.Engine, time.Since(start).Round(time.Second), dest)
	}
	return nil
}

func runEstimate(ctx context.Context, args []string) error {
	fs, cfgPath := newFlagSet("estimate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("estimate needs exactly one input file")
	}

	a, err := openApp(*cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	media, err := loadMedia(ctx, a, fs.Arg(0))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(a.module.Compressor.Estimate(media))
}

func runServe(ctx context.Context, args []string) error {
	fs, cfgPath := newFlagSet("serve")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(*cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfgPath != "" {
		watcher, err := config.NewWatcher(a.cfgPath, a.logger, func(cfg *config.Config) {
			a.module.Compressor.SetPolicy(cfg.Policy)
		})
		if err != nil {
			a.logger.Warn("config hot reload disabled", "error", err)
		} else {
			watcher.Start(ctx)
			defer watcher.Stop()
		}
	}

	srv := server.New(a.cfg.Server, a.module.Compressor, a.logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runRuns(ctx context.Context, args []string) error {
	fs, cfgPath := newFlagSet("runs")
	limit := fs.Int("limit", 20, "number of runs to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(*cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.module.Store == nil {
		return fmt.Errorf("run history needs database.enabled")
	}
	runs, err := a.module.Store.RecentRuns(ctx, *limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tFILE\tSTRATEGY\tOUTCOME\tORIGINAL\tOUTPUT\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.Format(time.DateTime), r.FileName, r.Strategy, r.Outcome,
			formatSize(r.OriginalSize), formatSize(r.OutputSize), r.ErrorKind)
	}
	return w.Flush()
}

func runResetFailures(ctx context.Context, args []string) error {
	fs, cfgPath := newFlagSet("reset-failures")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(*cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.module.Compressor.ResetLoadFailures(ctx); err != nil {
		return err
	}
	fmt.Printf("engine load failures cleared for session %q\n", a.cfg.Compression.SessionKey)
	return nil
}

func formatSize(n int64) string {
	switch {
	case n >= types.GB:
		return fmt.Sprintf("%.1f GB", float64(n)/float64(types.GB))
	case n >= types.MB:
		return fmt.Sprintf("%.1f MB", float64(n)/float64(types.MB))
	case n >= types.KB:
		return fmt.Sprintf("%.1f KB", float64(n)/float64(types.KB))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
