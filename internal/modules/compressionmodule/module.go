package compressionmodule

import (
	"fmt"
	"net/http"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/clipshrink/internal/config"
	"github.com/mantonx/clipshrink/internal/database"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/core/engine/fallback"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/core/engine/primary"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/core/environment"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/core/estimator"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/core/strategy"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/store"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/types"
)

// Module owns a Compressor built from application configuration together
// with the resources it holds open.
type Module struct {
	Compressor *Compressor
	Store      *store.Store // nil when the database is disabled

	closeDB func() error
}

// NewModule builds the production pipeline: a system probe, fetched primary
// engine sessions, the process-backed fallback host and, when enabled, the
// database-backed ledger.
func NewModule(cfg *config.Config, logger hclog.Logger) (*Module, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	m := &Module{}

	deps := Dependencies{
		Probe: environment.NewSystemProbe(logger, cfg.Environment.Origin, cfg.Engine.WorkDir),
	}

	if cfg.Database.Enabled {
		db, err := database.Open(database.Config{Type: cfg.Database.Type, DSN: cfg.Database.URL})
		if err != nil {
			return nil, fmt.Errorf("failed to open history database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		m.closeDB = sqlDB.Close
		m.Store = store.NewStore(db, logger)
		deps.Ledger = m.Store
		deps.Runs = m.Store
	}

	sessionCfg := primary.Config{
		Sources:      cfg.AssetSources(),
		Assets:       cfg.Engine.Assets,
		FetchTimeout: cfg.Engine.FetchTimeout,
		InitTimeout:  cfg.Engine.InitTimeout,
		ExecTimeout:  cfg.Engine.ExecTimeout,
		WorkDir:      cfg.Engine.WorkDir,
	}
	fetcher := primary.NewHTTPFetcher(&http.Client{}, cfg.Engine.MaxAssetBytes)
	deps.NewSession = func() PrimaryEngine {
		return primary.NewSession(sessionCfg, fetcher, primary.ExecRunner{}, logger)
	}

	host := fallback.NewProcessHost(logger, cfg.Fallback.FFmpegPath, cfg.Engine.WorkDir, cfg.Fallback.FrameRate)
	deps.Fallback = fallback.New(host, fallback.Config{
		FlushInterval: cfg.Fallback.FlushInterval,
		EndGrace:      cfg.Fallback.EndGrace,
		TimeoutGrace:  cfg.Fallback.TimeoutGrace,
		FrameRate:     cfg.Fallback.FrameRate,
		Poster:        cfg.Fallback.Poster,
	}, logger)

	m.Compressor = NewCompressor(ConfigFrom(cfg), deps, logger)
	return m, nil
}

// ConfigFrom converts application configuration into compressor rules
func ConfigFrom(cfg *config.Config) Config {
	c := cfg.Compression
	return Config{
		Thresholds: strategy.Thresholds{
			CompressionThreshold: c.ThresholdMB * types.MB,
			MaxSize:              c.MaxSizeMB * types.MB,
			PrimaryMemoryLimit:   c.PrimaryMemoryMB * types.MB,
			MaxLoadFailures:      c.MaxLoadFailures,
		},
		Limits: estimator.Limits{
			TargetSizeMB:   c.TargetSizeMB,
			MaxWidth:       c.MaxWidth,
			MaxHeight:      c.MaxHeight,
			DefaultQuality: c.DefaultQuality,
		},
		Policy:     cfg.Policy,
		SessionKey: c.SessionKey,
		RecordRuns: c.RecordRunsEnabled,
	}
}

// Close releases the history database
func (m *Module) Close() error {
	if m.closeDB == nil {
		return nil
	}
	return m.closeDB()
}
