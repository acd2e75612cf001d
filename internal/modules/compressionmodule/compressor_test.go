package compressionmodule

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/clipshrink/internal/database"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/core/engine/fallback"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/core/engine/primary"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/core/estimator"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/core/progress"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/core/strategy"
	cerrors "github.com/mantonx/clipshrink/internal/modules/compressionmodule/errors"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/store"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/types"
)

// MockSession mocks PrimaryEngine
type MockSession struct {
	mock.Mock
}

func (m *MockSession) Load(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockSession) Exec(ctx context.Context, media types.SourceMedia, plan types.Plan, onProgress func(float64)) ([]byte, error) {
	args := m.Called(ctx, media, plan, onProgress)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockSession) Dispose() error {
	return m.Called().Error(0)
}

// fakeFallback records every call and returns a fixed result
type fakeFallback struct {
	mu     sync.Mutex
	plans  []types.Plan
	result *fallback.Result
	err    error
}

func (f *fakeFallback) Compress(_ context.Context, _ types.SourceMedia, plan types.Plan, onProgress func(float64)) (*fallback.Result, error) {
	f.mu.Lock()
	f.plans = append(f.plans, plan)
	f.mu.Unlock()
	if onProgress != nil {
		onProgress(1)
	}
	return f.result, f.err
}

func (f *fakeFallback) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.plans)
}

var (
	capableHost = StaticCapabilities{
		SharedMemory:  true,
		Isolated:      true,
		SecureContext: true,
		Host:          "clips.example.com",
	}
	criticalHost = StaticCapabilities{Host: "clips.example.com"}
)

func testMedia(sizeMB int64, duration time.Duration) types.SourceMedia {
	return types.SourceMedia{
		Name:     "holiday.mov",
		MimeType: "video/quicktime",
		Data:     []byte("source-bytes"),
		Size:     sizeMB * types.MB,
		Duration: duration,
		Width:    1920,
		Height:   1080,
	}
}

func okFallback() *fakeFallback {
	return &fakeFallback{result: &fallback.Result{
		Data:     []byte("fallback-encoded"),
		MimeType: types.OutputMimeType,
		Poster:   []byte("RIFF"),
	}}
}

// sessionQueue hands out the given sessions in order and counts requests
type sessionQueue struct {
	mu       sync.Mutex
	sessions []PrimaryEngine
	created  int
}

func (q *sessionQueue) factory() PrimaryEngine {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.sessions[q.created]
	q.created++
	return s
}

func (q *sessionQueue) Created() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.created
}

func newTestCompressor(cfg Config, probe CapabilitiesProvider, q *sessionQueue, fb FallbackEngine, ledger *store.MemoryLedger) *Compressor {
	deps := Dependencies{
		Probe:    probe,
		Fallback: fb,
	}
	if ledger != nil {
		deps.Ledger = ledger
		deps.Runs = ledger
	}
	if q != nil {
		deps.NewSession = q.factory
	}
	return NewCompressor(cfg, deps, hclog.NewNullLogger())
}

func succeedingSession(t *testing.T, data []byte, captured *types.Plan) *MockSession {
	sess := &MockSession{}
	sess.On("Load", mock.Anything).Return(nil)
	sess.On("Exec", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			if captured != nil {
				*captured = args.Get(2).(types.Plan)
			}
			onProgress := args.Get(3).(func(float64))
			onProgress(0.5)
			onProgress(1)
		}).
		Return(data, nil)
	sess.On("Dispose").Return(nil)
	t.Cleanup(func() { sess.AssertExpectations(t) })
	return sess
}

func TestCompress_PassthroughBelowThreshold(t *testing.T) {
	q := &sessionQueue{}
	fb := okFallback()
	c := newTestCompressor(DefaultConfig(), capableHost, q, fb, store.NewMemoryLedger())

	media := testMedia(250, 60*time.Second)
	art, err := c.Compress(context.Background(), media)
	require.NoError(t, err)

	assert.False(t, art.Compressed)
	assert.Equal(t, types.StrategyPassthrough, art.Strategy)
	assert.Equal(t, media.Data, art.Data)
	assert.Equal(t, "holiday.mov", art.Name)
	assert.Equal(t, "video/quicktime", art.MimeType)
	assert.Zero(t, q.Created(), "no engine session for passthrough")
	assert.Zero(t, fb.Calls())
	assert.Equal(t, progress.State{Phase: progress.PhaseFinalizing, Percent: 100}, c.Reporter().Snapshot())

	est := c.Estimate(media)
	assert.False(t, est.WillCompress)
	assert.Equal(t, types.StrategyPassthrough, est.Strategy)
	assert.Equal(t, est.OriginalSize, est.EstimatedSize)
}

func TestCompress_PrimaryModerateTier(t *testing.T) {
	var plan types.Plan
	sess := succeedingSession(t, []byte("primary-encoded"), &plan)
	q := &sessionQueue{sessions: []PrimaryEngine{sess}}
	fb := okFallback()
	c := newTestCompressor(DefaultConfig(), capableHost, q, fb, store.NewMemoryLedger())

	var states []progress.State
	art, err := c.Compress(context.Background(), testMedia(600, 120*time.Second),
		WithProgress(func(s progress.State) { states = append(states, s) }))
	require.NoError(t, err)

	assert.True(t, art.Compressed)
	assert.Equal(t, types.StrategyPrimary, art.Strategy)
	assert.Equal(t, primary.EngineName, art.Engine)
	assert.Equal(t, "holiday.mp4", art.Name)
	assert.Equal(t, types.OutputMimeType, art.MimeType)
	assert.Equal(t, []byte("primary-encoded"), art.Data)
	assert.Zero(t, fb.Calls())

	assert.Equal(t, types.TierModerate, plan.Tier)
	assert.Equal(t, types.StrategyPrimary, plan.Strategy)
	ceiling := int64(40 * types.MB)
	assert.LessOrEqual(t, estimator.BudgetSize(plan), ceiling+ceiling/50, "planned output within 2 percent of the ceiling")

	require.NotEmpty(t, states)
	for i := 1; i < len(states); i++ {
		assert.GreaterOrEqual(t, states[i].Percent, states[i-1].Percent, "progress regressed at update %d", i)
	}
	assert.Equal(t, progress.State{Phase: progress.PhaseFinalizing, Percent: 100}, states[len(states)-1])
}

func TestCompress_AggressiveTierRegardlessOfHost(t *testing.T) {
	for name, host := range map[string]StaticCapabilities{"capable": capableHost, "critical": criticalHost} {
		t.Run(name, func(t *testing.T) {
			var primaryPlan types.Plan
			q := &sessionQueue{}
			if name == "capable" {
				q.sessions = []PrimaryEngine{succeedingSession(t, []byte("out"), &primaryPlan)}
			}
			fb := okFallback()
			c := newTestCompressor(DefaultConfig(), host, q, fb, store.NewMemoryLedger())

			_, err := c.Compress(context.Background(), testMedia(900, 180*time.Second))
			require.NoError(t, err)

			plan := primaryPlan
			if name == "critical" {
				require.Equal(t, 1, fb.Calls())
				plan = fb.plans[0]
			}

			policy := estimator.DefaultPolicy()
			assert.Equal(t, types.TierAggressive, plan.Tier)
			assert.Equal(t, policy.Aggressive.Quality, plan.Quality)
			assert.Greater(t, plan.Quality, policy.Moderate.Quality)
			assert.Equal(t, 0.25, plan.Scale)
			assert.Equal(t, types.Dimensions{Width: 480, Height: 270}, plan.Resolution)
			assert.Equal(t, int64(96_000), plan.AudioBitrate)
			assert.Equal(t, "ultrafast", plan.Preset)
		})
	}
}

func TestCompress_CriticalEnvironmentUsesFallback(t *testing.T) {
	// 50 MB is below the shipped passthrough threshold, so lower it to make
	// the file one the primary engine would otherwise take
	cfg := DefaultConfig()
	cfg.Thresholds.CompressionThreshold = 10 * types.MB

	q := &sessionQueue{}
	fb := okFallback()
	c := newTestCompressor(cfg, criticalHost, q, fb, store.NewMemoryLedger())

	art, err := c.Compress(context.Background(), testMedia(50, 30*time.Second))
	require.NoError(t, err)

	assert.Equal(t, types.StrategyFallback, art.Strategy)
	assert.Equal(t, fallback.EngineName, art.Engine)
	assert.Equal(t, []byte("RIFF"), art.Poster)
	assert.Equal(t, 1, fb.Calls())
	assert.Zero(t, q.Created(), "primary engine never loaded on a critical host")

	// the same file on a capable host goes to the primary engine
	assert.Equal(t, types.StrategyPrimary, newTestCompressor(cfg, capableHost, nil, fb, nil).
		Estimate(testMedia(50, 30*time.Second)).Strategy)
}

func TestCompress_FallbackZeroBytesIsEmptyOutput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Thresholds.CompressionThreshold = 10 * types.MB

	tests := []struct {
		name string
		fb   *fakeFallback
	}{
		{"engine reports empty output", &fakeFallback{err: cerrors.EmptyOutput("fallback")}},
		{"engine returns no bytes", &fakeFallback{result: &fallback.Result{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := store.NewMemoryLedger()
			c := newTestCompressor(cfg, criticalHost, nil, tt.fb, ledger)

			art, err := c.Compress(context.Background(), testMedia(50, 30*time.Second))
			require.Error(t, err)
			assert.Nil(t, art)
			assert.True(t, cerrors.IsKind(err, cerrors.KindEmptyOutput))
			assert.ErrorIs(t, err, cerrors.ErrEmptyOutput)

			runs, err := ledger.RecentRuns(context.Background(), 1)
			require.NoError(t, err)
			require.Len(t, runs, 1)
			assert.Equal(t, database.RunOutcomeFailed, runs[0].Outcome)
			assert.Equal(t, string(cerrors.KindEmptyOutput), runs[0].ErrorKind)
		})
	}
}

// failingFetcher rejects every asset request
type failingFetcher struct {
	mu    sync.Mutex
	calls []string
}

func (f *failingFetcher) Fetch(_ context.Context, location string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, location)
	return nil, errors.New("502 bad gateway")
}

func (f *failingFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestCompress_LoadFailuresFallBackThenSkipPrimary(t *testing.T) {
	fetcher := &failingFetcher{}
	sessionCfg := primary.Config{
		Sources: []primary.AssetSource{
			{Name: "cdn-a", BaseURL: "https://a.example.com/ffmpeg/"},
			{Name: "cdn-b", BaseURL: "https://b.example.com/ffmpeg/"},
			{Name: "cdn-c", BaseURL: "https://c.example.com/ffmpeg/"},
		},
		WorkDir: t.TempDir(),
	}

	ledger := store.NewMemoryLedger()
	fb := okFallback()
	c := NewCompressor(DefaultConfig(), Dependencies{
		Probe: capableHost,
		NewSession: func() PrimaryEngine {
			return primary.NewSession(sessionCfg, fetcher, nil, hclog.NewNullLogger())
		},
		Fallback: fb,
		Ledger:   ledger,
		Runs:     ledger,
	}, hclog.NewNullLogger())

	media := testMedia(600, 120*time.Second)

	art, err := c.Compress(context.Background(), media)
	require.NoError(t, err)
	assert.Equal(t, types.StrategyFallback, art.Strategy)
	assert.Equal(t, 3, fetcher.Calls(), "one attempt per source")
	assert.Equal(t, 1, fb.Calls(), "exactly one fallback attempt")

	count, err := ledger.LoadFailures(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = c.Compress(context.Background(), media)
	require.NoError(t, err)
	assert.Equal(t, 6, fetcher.Calls())

	est := c.Estimate(media)
	assert.Equal(t, types.StrategyFallback, est.Strategy, "estimate follows the ledger")
	assert.Equal(t, strategy.ReasonRepeatedLoadFailure, est.Reason)

	// the failure limit is reached: the primary engine is no longer tried
	_, err = c.Compress(context.Background(), media)
	require.NoError(t, err)
	assert.Equal(t, 6, fetcher.Calls())
	assert.Equal(t, 3, fb.Calls())

	require.NoError(t, c.ResetLoadFailures(context.Background()))
	assert.Equal(t, types.StrategyPrimary, c.Estimate(media).Strategy)
}

func TestCompress_TerminalErrorIsMostSpecific(t *testing.T) {
	sess := &MockSession{}
	sess.On("Load", mock.Anything).Return(nil)
	sess.On("Exec", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, cerrors.Classify("exec", errors.New("exit status 1"), "Cannot allocate memory"))
	sess.On("Dispose").Return(nil)

	fb := &fakeFallback{err: cerrors.New(cerrors.KindEngineExecFailed, "fallback", "encoder crashed", nil)}
	c := newTestCompressor(DefaultConfig(), capableHost, &sessionQueue{sessions: []PrimaryEngine{sess}}, fb, store.NewMemoryLedger())

	_, err := c.Compress(context.Background(), testMedia(600, 120*time.Second))
	require.Error(t, err)
	assert.Equal(t, cerrors.KindMemoryExhausted, cerrors.GetKind(err))
	assert.Equal(t, 1, fb.Calls())
	sess.AssertExpectations(t)
}

func TestCompress_FreshSessionAfterExecFailure(t *testing.T) {
	failed := &MockSession{}
	failed.On("Load", mock.Anything).Return(nil)
	failed.On("Exec", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, cerrors.Classify("exec", errors.New("signal: killed"), ""))
	failed.On("Dispose").Return(nil).Once()

	fresh := succeedingSession(t, []byte("second-try"), nil)
	q := &sessionQueue{sessions: []PrimaryEngine{failed, fresh}}
	fb := okFallback()
	c := newTestCompressor(DefaultConfig(), capableHost, q, fb, store.NewMemoryLedger())
	media := testMedia(600, 120*time.Second)

	art, err := c.Compress(context.Background(), media)
	require.NoError(t, err)
	assert.Equal(t, fallback.EngineName, art.Engine)

	art, err = c.Compress(context.Background(), media)
	require.NoError(t, err)
	assert.Equal(t, primary.EngineName, art.Engine)
	assert.Equal(t, []byte("second-try"), art.Data)

	assert.Equal(t, 2, q.Created())
	failed.AssertExpectations(t)
}

func TestCompress_SizeExceeded(t *testing.T) {
	ledger := store.NewMemoryLedger()
	q := &sessionQueue{}
	c := newTestCompressor(DefaultConfig(), capableHost, q, okFallback(), ledger)

	media := testMedia(2048, time.Minute)
	_, err := c.Compress(context.Background(), media)
	require.Error(t, err)
	assert.True(t, cerrors.IsKind(err, cerrors.KindSizeExceeded))
	assert.Zero(t, q.Created())

	est := c.Estimate(media)
	assert.False(t, est.WillCompress)
	assert.Equal(t, string(cerrors.KindSizeExceeded), est.Reason)

	runs, err := ledger.RecentRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Empty(t, runs[0].Strategy)
}

func TestCompress_InvalidInput(t *testing.T) {
	c := newTestCompressor(DefaultConfig(), capableHost, nil, okFallback(), nil)
	_, err := c.Compress(context.Background(), types.SourceMedia{Name: "empty.mp4"})
	assert.True(t, cerrors.IsKind(err, cerrors.KindInvalidInput))
}

func TestCompress_CancelledLoadSkipsFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	sess := &MockSession{}
	sess.On("Load", mock.Anything).Run(func(mock.Arguments) { cancel() }).Return(context.Canceled)
	sess.On("Dispose").Return(nil)

	fb := okFallback()
	ledger := store.NewMemoryLedger()
	c := newTestCompressor(DefaultConfig(), capableHost, &sessionQueue{sessions: []PrimaryEngine{sess}}, fb, ledger)

	media := testMedia(600, 120*time.Second)
	_, err := c.Compress(ctx, media)
	assert.True(t, IsCancelled(err))
	assert.Zero(t, fb.Calls())

	count, err := ledger.LoadFailures(context.Background(), "default")
	require.NoError(t, err)
	assert.Zero(t, count, "cancellation is not a load failure")
	assert.Equal(t, types.StrategyPrimary, c.Estimate(media).Strategy)
}

func TestCompress_SerializesCalls(t *testing.T) {
	entered := make(chan struct{}, 2)
	release := make(chan struct{})

	blocking := func() *MockSession {
		sess := &MockSession{}
		sess.On("Load", mock.Anything).Return(nil)
		sess.On("Exec", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Run(func(mock.Arguments) {
				entered <- struct{}{}
				<-release
			}).
			Return([]byte("out"), nil)
		sess.On("Dispose").Return(nil)
		return sess
	}

	q := &sessionQueue{sessions: []PrimaryEngine{blocking(), blocking()}}
	c := newTestCompressor(DefaultConfig(), capableHost, q, okFallback(), store.NewMemoryLedger())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Compress(context.Background(), testMedia(600, 120*time.Second))
			assert.NoError(t, err)
		}()
	}

	<-entered
	select {
	case <-entered:
		t.Fatal("second call ran while the first was still encoding")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	wg.Wait()
	assert.Equal(t, 2, q.Created())
}

func TestEstimate_IdempotentAndBounded(t *testing.T) {
	c := newTestCompressor(DefaultConfig(), capableHost, nil, okFallback(), nil)
	media := testMedia(600, 120*time.Second)

	first := c.Estimate(media)
	second := c.Estimate(media)
	assert.Equal(t, first, second)

	assert.True(t, first.WillCompress)
	assert.Equal(t, types.StrategyPrimary, first.Strategy)
	assert.Equal(t, types.TierModerate, first.Tier)
	assert.Less(t, first.EstimatedSize, first.OriginalSize)
	assert.InDelta(t, float64(first.EstimatedSize)/float64(first.OriginalSize), first.Ratio, 1e-9)
}

func TestEstimate_UsesLastAssessment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Thresholds.CompressionThreshold = 10 * types.MB
	c := newTestCompressor(cfg, criticalHost, nil, okFallback(), nil)
	media := testMedia(50, 30*time.Second)

	assert.Equal(t, types.StrategyPrimary, c.Estimate(media).Strategy)

	_, err := c.Compress(context.Background(), media)
	require.NoError(t, err)

	est := c.Estimate(media)
	assert.Equal(t, types.StrategyFallback, est.Strategy)
	assert.Equal(t, strategy.ReasonEnvironmentCritical, est.Reason)
}

func TestSetPolicy(t *testing.T) {
	var plan types.Plan
	q := &sessionQueue{sessions: []PrimaryEngine{succeedingSession(t, []byte("out"), &plan)}}
	c := newTestCompressor(DefaultConfig(), capableHost, q, okFallback(), store.NewMemoryLedger())

	policy := estimator.DefaultPolicy()
	policy.Moderate.Quality = 31
	policy.Moderate.Preset = "faster"
	c.SetPolicy(policy)
	assert.Equal(t, policy, c.Policy())

	_, err := c.Compress(context.Background(), testMedia(600, 120*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 31, plan.Quality)
	assert.Equal(t, "faster", plan.Preset)
}

func TestCompress_RecordsRuns(t *testing.T) {
	ledger := store.NewMemoryLedger()
	q := &sessionQueue{sessions: []PrimaryEngine{succeedingSession(t, []byte("tiny"), nil)}}
	c := newTestCompressor(DefaultConfig(), capableHost, q, okFallback(), ledger)

	_, err := c.Compress(context.Background(), testMedia(250, time.Minute))
	require.NoError(t, err)
	_, err = c.Compress(context.Background(), testMedia(600, 2*time.Minute))
	require.NoError(t, err)

	runs, err := c.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	outcomes := map[database.RunOutcome]database.CompressionRun{}
	for _, r := range runs {
		outcomes[r.Outcome] = r
	}
	compressedRun := outcomes[database.RunOutcomeCompressed]
	assert.Equal(t, "primary", compressedRun.Strategy)
	assert.Equal(t, "moderate", compressedRun.Tier)
	assert.Equal(t, primary.EngineName, compressedRun.Engine)
	assert.Equal(t, int64(4), compressedRun.OutputSize)
	assert.Equal(t, 600*types.MB, compressedRun.OriginalSize)

	passRun := outcomes[database.RunOutcomePassthrough]
	assert.Equal(t, passRun.OriginalSize, passRun.OutputSize)
	assert.True(t, strings.HasSuffix(passRun.FileName, ".mov"))
}
