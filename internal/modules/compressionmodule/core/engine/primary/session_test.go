package primary

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/mantonx/clipshrink/internal/modules/compressionmodule/errors"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/types"
)

// fakeFetcher serves assets per source base URL
type fakeFetcher struct {
	mu       sync.Mutex
	failures map[string]error
	block    bool
	calls    []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, location)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	for prefix, err := range f.failures {
		if strings.HasPrefix(location, prefix) {
			return nil, err
		}
	}
	return []byte("#!binary"), nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type encodeFunc func(ctx context.Context, args []string, stdout io.Writer) (string, error)

// fakeRunner answers the version handshake and delegates encodes
type fakeRunner struct {
	versionOut string
	versionErr error
	encode     encodeFunc
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string, stdout io.Writer) (string, error) {
	for _, a := range args {
		if a == "-version" {
			return f.versionOut, f.versionErr
		}
	}
	return f.encode(ctx, args, stdout)
}

func newFakeRunner(encode encodeFunc) *fakeRunner {
	return &fakeRunner{
		versionOut: "ffmpeg version n7.1 Copyright (c) 2000-2024 the FFmpeg developers\nbuilt with gcc",
		encode:     encode,
	}
}

// writeOutput is an encode that writes data to the output path
func writeOutput(data string) encodeFunc {
	return func(ctx context.Context, args []string, stdout io.Writer) (string, error) {
		return "", os.WriteFile(args[len(args)-1], []byte(data), 0o600)
	}
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func sources(names ...string) []AssetSource {
	out := make([]AssetSource, 0, len(names))
	for _, n := range names {
		out = append(out, AssetSource{Name: n, BaseURL: "https://" + n + ".example.com/engine/"})
	}
	return out
}

func newTestSession(t *testing.T, cfg Config, fetcher Fetcher, runner CommandRunner) *Session {
	t.Helper()
	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}
	s := NewSession(cfg, fetcher, runner, hclog.NewNullLogger())
	t.Cleanup(func() { s.Dispose() })
	return s
}

func testMedia() types.SourceMedia {
	return types.SourceMedia{Name: "clip.mov", MimeType: "video/quicktime", Data: []byte("raw video bytes")}
}

func testPlan() types.Plan {
	return types.Plan{
		Strategy:     types.StrategyPrimary,
		Tier:         types.TierModerate,
		Quality:      30,
		Preset:       "veryfast",
		AudioBitrate: 128_000,
		VideoBitrate: 2_000_000,
		Resolution:   types.Dimensions{Width: 960, Height: 540},
		Duration:     4 * time.Second,
	}
}

func entries(t *testing.T, dir string) []string {
	t.Helper()
	list, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(list))
	for _, e := range list {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestLoad_TriesEverySourceExactlyOnce(t *testing.T) {
	workDir := t.TempDir()
	lastErr := errors.New("connection reset by mirror c")
	fetcher := &fakeFetcher{failures: map[string]error{
		"https://a.": errors.New("404"),
		"https://b.": errors.New("tls handshake"),
		"https://c.": lastErr,
	}}
	s := newTestSession(t, Config{Sources: sources("a", "b", "c"), WorkDir: workDir}, fetcher, newFakeRunner(nil))

	err := s.Load(context.Background())

	require.Error(t, err)
	assert.True(t, cerrors.IsKind(err, cerrors.KindAssetLoadFailed))
	assert.ErrorIs(t, err, lastErr)
	assert.Equal(t, 3, s.Attempts())
	assert.Len(t, fetcher.Calls(), 3)
	assert.Empty(t, entries(t, workDir), "partial engines must be removed")
}

func TestLoad_StopsAtFirstWorkingSource(t *testing.T) {
	fetcher := &fakeFetcher{failures: map[string]error{"https://a.": errors.New("404")}}
	s := newTestSession(t, Config{Sources: sources("a", "b", "c")}, fetcher, newFakeRunner(nil))

	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, 2, s.Attempts())
	assert.Equal(t, []string{
		"https://a.example.com/engine/ffmpeg",
		"https://b.example.com/engine/ffmpeg",
		"https://b.example.com/engine/ffprobe",
	}, fetcher.Calls())
	assert.True(t, s.Loaded())
	assert.Equal(t, "ffmpeg version n7.1 Copyright (c) 2000-2024 the FFmpeg developers", s.Version())

	// already loaded: no further attempts
	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, 2, s.Attempts())
}

func TestLoad_FetchTimeout(t *testing.T) {
	fetcher := &fakeFetcher{block: true}
	cfg := Config{Sources: sources("a", "b"), FetchTimeout: 20 * time.Millisecond}
	s := newTestSession(t, cfg, fetcher, newFakeRunner(nil))

	err := s.Load(context.Background())

	require.Error(t, err)
	assert.True(t, cerrors.IsKind(err, cerrors.KindEngineLoadTimeout))
	assert.ErrorIs(t, err, cerrors.ErrTimeout)
	assert.Equal(t, 2, s.Attempts())
}

func TestLoad_InitFailureRemovesStagedAssets(t *testing.T) {
	workDir := t.TempDir()
	runner := newFakeRunner(nil)
	runner.versionErr = errors.New("exec format error")
	s := newTestSession(t, Config{Sources: sources("a"), WorkDir: workDir}, &fakeFetcher{}, runner)

	err := s.Load(context.Background())

	require.Error(t, err)
	assert.True(t, cerrors.IsKind(err, cerrors.KindAssetLoadFailed))
	assert.Empty(t, entries(t, workDir))
}

func TestLoad_UnrecognisedBuild(t *testing.T) {
	runner := newFakeRunner(nil)
	runner.versionOut = "hello"
	s := newTestSession(t, Config{Sources: sources("a")}, &fakeFetcher{}, runner)

	assert.Error(t, s.Load(context.Background()))
}

func TestLoad_FailedSessionIsNotReused(t *testing.T) {
	fetcher := &fakeFetcher{failures: map[string]error{"https://a.": errors.New("404")}}
	s := newTestSession(t, Config{Sources: sources("a")}, fetcher, newFakeRunner(nil))

	require.Error(t, s.Load(context.Background()))

	err := s.Load(context.Background())
	assert.ErrorIs(t, err, cerrors.ErrDisposed)
	assert.Equal(t, 1, s.Attempts())
}

func TestLoad_NoSources(t *testing.T) {
	s := newTestSession(t, Config{}, &fakeFetcher{}, newFakeRunner(nil))

	err := s.Load(context.Background())
	assert.ErrorIs(t, err, cerrors.ErrNoSources)
	assert.True(t, cerrors.IsKind(err, cerrors.KindAssetLoadFailed))
}

func TestExec_Success(t *testing.T) {
	workDir := t.TempDir()
	media := testMedia()

	var stagedInput []byte
	runner := newFakeRunner(func(ctx context.Context, args []string, stdout io.Writer) (string, error) {
		var err error
		stagedInput, err = os.ReadFile(argAfter(args, "-i"))
		if err != nil {
			return "", err
		}
		io.WriteString(stdout, "frame=10\nout_time_us=1000")
		io.WriteString(stdout, "000\nprogress=continue\nout_time_us=2000000\n")
		io.WriteString(stdout, "out_time_us=1500000\nprogress=end\n")
		return "", os.WriteFile(args[len(args)-1], []byte("encoded"), 0o600)
	})
	s := newTestSession(t, Config{Sources: sources("a"), WorkDir: workDir}, &fakeFetcher{}, runner)
	require.NoError(t, s.Load(context.Background()))

	var fractions []float64
	out, err := s.Exec(context.Background(), media, testPlan(), func(f float64) { fractions = append(fractions, f) })

	require.NoError(t, err)
	assert.Equal(t, []byte("encoded"), out)
	assert.Equal(t, media.Data, stagedInput)
	assert.Equal(t, []float64{0.25, 0.5, 1}, fractions)

	engines := entries(t, workDir)
	require.Len(t, engines, 1)
	assert.Equal(t, []string{"ffmpeg", "ffprobe"}, entries(t, filepath.Join(workDir, engines[0])))
}

func TestExec_FailureIsClassifiedAndStagedFilesRemoved(t *testing.T) {
	workDir := t.TempDir()
	runner := newFakeRunner(func(ctx context.Context, args []string, stdout io.Writer) (string, error) {
		os.WriteFile(args[len(args)-1], []byte("partial"), 0o600)
		return "x264 [error]: malloc of size 4147200 failed\nCannot allocate memory", errors.New("exit status 1")
	})
	s := newTestSession(t, Config{Sources: sources("a"), WorkDir: workDir}, &fakeFetcher{}, runner)
	require.NoError(t, s.Load(context.Background()))

	_, err := s.Exec(context.Background(), testMedia(), testPlan(), nil)

	require.Error(t, err)
	assert.True(t, cerrors.IsKind(err, cerrors.KindMemoryExhausted))
	engines := entries(t, workDir)
	require.Len(t, engines, 1)
	assert.Equal(t, []string{"ffmpeg", "ffprobe"}, entries(t, filepath.Join(workDir, engines[0])))

	// a fresh session after the failure works
	require.NoError(t, s.Dispose())
	assert.Empty(t, entries(t, workDir))

	fresh := newTestSession(t, Config{Sources: sources("a"), WorkDir: workDir}, &fakeFetcher{}, newFakeRunner(writeOutput("ok")))
	require.NoError(t, fresh.Load(context.Background()))
	out, err := fresh.Exec(context.Background(), testMedia(), testPlan(), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), out)
}

func TestExec_Timeout(t *testing.T) {
	runner := newFakeRunner(func(ctx context.Context, args []string, stdout io.Writer) (string, error) {
		<-ctx.Done()
		return "", errors.New("signal: killed")
	})
	cfg := Config{Sources: sources("a"), ExecTimeout: 20 * time.Millisecond}
	s := newTestSession(t, cfg, &fakeFetcher{}, runner)
	require.NoError(t, s.Load(context.Background()))

	_, err := s.Exec(context.Background(), testMedia(), testPlan(), nil)

	require.Error(t, err)
	assert.True(t, cerrors.IsKind(err, cerrors.KindExecTimeout))
	assert.ErrorIs(t, err, cerrors.ErrTimeout)
}

func TestExec_EmptyOutput(t *testing.T) {
	s := newTestSession(t, Config{Sources: sources("a")}, &fakeFetcher{}, newFakeRunner(writeOutput("")))
	require.NoError(t, s.Load(context.Background()))

	_, err := s.Exec(context.Background(), testMedia(), testPlan(), nil)

	assert.True(t, cerrors.IsKind(err, cerrors.KindEmptyOutput))
	assert.ErrorIs(t, err, cerrors.ErrEmptyOutput)
}

func TestExec_NotLoaded(t *testing.T) {
	s := newTestSession(t, Config{Sources: sources("a")}, &fakeFetcher{}, newFakeRunner(nil))

	_, err := s.Exec(context.Background(), testMedia(), testPlan(), nil)
	assert.ErrorIs(t, err, cerrors.ErrNotLoaded)
}

func TestSession_NotReentrant(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	runner := newFakeRunner(func(ctx context.Context, args []string, stdout io.Writer) (string, error) {
		close(started)
		<-release
		return "", os.WriteFile(args[len(args)-1], []byte("done"), 0o600)
	})
	s := newTestSession(t, Config{Sources: sources("a")}, &fakeFetcher{}, runner)
	require.NoError(t, s.Load(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := s.Exec(context.Background(), testMedia(), testPlan(), nil)
		done <- err
	}()

	<-started
	_, err := s.Exec(context.Background(), testMedia(), testPlan(), nil)
	assert.ErrorIs(t, err, cerrors.ErrSessionBusy)

	close(release)
	assert.NoError(t, <-done)
}

func TestDispose_RemovesEngineDirectory(t *testing.T) {
	workDir := t.TempDir()
	s := newTestSession(t, Config{Sources: sources("a"), WorkDir: workDir}, &fakeFetcher{}, newFakeRunner(nil))
	require.NoError(t, s.Load(context.Background()))
	require.Len(t, entries(t, workDir), 1)

	require.NoError(t, s.Dispose())
	require.NoError(t, s.Dispose())

	assert.Empty(t, entries(t, workDir))
	assert.False(t, s.Loaded())
	assert.ErrorIs(t, s.Load(context.Background()), cerrors.ErrDisposed)
}

func TestEngineDirectoryIsPrivate(t *testing.T) {
	workDir := t.TempDir()
	s := newTestSession(t, Config{Sources: sources("a"), WorkDir: workDir}, &fakeFetcher{}, newFakeRunner(nil))
	require.NoError(t, s.Load(context.Background()))

	engines := entries(t, workDir)
	require.Len(t, engines, 1)
	info, err := os.Stat(filepath.Join(workDir, engines[0]))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}
