package primary

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/types"
)

func indexOf(args []string, v string) int {
	for i, a := range args {
		if a == v {
			return i
		}
	}
	return -1
}

func TestBuildArgs(t *testing.T) {
	plan := types.Plan{
		Quality:      30,
		Preset:       "veryfast",
		VideoBitrate: 2_668_202,
		AudioBitrate: 128_000,
		Resolution:   types.Dimensions{Width: 960, Height: 540},
		Duration:     2 * time.Minute,
	}

	args := BuildArgs(plan, "/tmp/in.mov", "/tmp/out.mp4")

	assert.Equal(t, "/tmp/out.mp4", args[len(args)-1])
	assert.Equal(t, "/tmp/in.mov", argAfter(args, "-i"))
	assert.Less(t, indexOf(args, "-thread_queue_size"), indexOf(args, "-i"))
	assert.Equal(t, "30", argAfter(args, "-crf"))
	assert.Equal(t, "veryfast", argAfter(args, "-preset"))
	assert.Equal(t, "2668k", argAfter(args, "-maxrate"))
	assert.Equal(t, "5336k", argAfter(args, "-bufsize"))
	assert.Equal(t, "scale=960:540", argAfter(args, "-vf"))
	assert.Equal(t, "128k", argAfter(args, "-b:a"))
	assert.Equal(t, "aac", argAfter(args, "-c:a"))
	assert.Equal(t, "+faststart", argAfter(args, "-movflags"))
	assert.Equal(t, "9999", argAfter(args, "-max_muxing_queue_size"))
	assert.Equal(t, "pipe:1", argAfter(args, "-progress"))
	assert.Equal(t, "mp4", argAfter(args, "-f"))
}

func TestBuildArgs_UnknownDuration(t *testing.T) {
	args := BuildArgs(types.Plan{Quality: 26, VideoBitrate: 1_000_000}, "in", "out")

	assert.Equal(t, -1, indexOf(args, "-maxrate"))
	assert.Equal(t, -1, indexOf(args, "-vf"))
	assert.Equal(t, -1, indexOf(args, "-preset"))
	assert.Equal(t, "128k", argAfter(args, "-b:a"))
}

func TestProgressWriter_NoDuration(t *testing.T) {
	var got []float64
	w := newProgressWriter(0, func(f float64) { got = append(got, f) })

	w.Write([]byte("out_time_us=5000000\nprogress=continue\nprogress=end\n"))

	assert.Equal(t, []float64{1}, got)
}

func TestProgressWriter_IgnoresGarbage(t *testing.T) {
	var got []float64
	w := newProgressWriter(10*time.Second, func(f float64) { got = append(got, f) })

	w.Write([]byte("out_time_us=N/A\nbitrate=  12.0kbits/s\nnot a pair\nout_time_ms=20000000\n"))

	assert.Equal(t, []float64{1}, got, "values past the duration clamp to 1")
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/engine/ffmpeg":
			w.Write([]byte("binary"))
		case "/engine/large":
			w.Write(make([]byte, 64))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), 32)
	src := AssetSource{Name: "test", BaseURL: srv.URL + "/engine/"}
	ctx := context.Background()

	data, err := f.Fetch(ctx, src.URL("ffmpeg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("binary"), data)

	_, err = f.Fetch(ctx, src.URL("missing"))
	assert.Error(t, err)

	_, err = f.Fetch(ctx, src.URL("large"))
	assert.ErrorContains(t, err, "exceeds")

	_, err = f.Fetch(ctx, "ftp://example.com/ffmpeg")
	assert.ErrorContains(t, err, "unsupported")
}

func TestHTTPFetcher_LocalFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ffmpeg"), []byte("local"), 0o600))
	f := NewHTTPFetcher(nil, 0)

	data, err := f.Fetch(context.Background(), AssetSource{BaseURL: "file://" + dir}.URL("ffmpeg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("local"), data)

	data, err = f.Fetch(context.Background(), AssetSource{BaseURL: dir}.URL("ffmpeg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("local"), data)
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 4}
	b.Write([]byte("abc"))
	b.Write([]byte("defg"))
	assert.Equal(t, "defg", b.String())
}
