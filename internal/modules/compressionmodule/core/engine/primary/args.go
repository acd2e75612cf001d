package primary

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/types"
)

// Queue sizing for large inputs. The defaults make the muxer give up on long
// clips with sparse audio.
const (
	threadQueueSize     = "4096"
	maxMuxingQueueSize  = "9999"
	defaultVideoEncoder = "libx264"
)

// BuildArgs constructs the transcode arguments for a plan.
//
// Quality is CRF based. When the clip duration is known the bitrate budget
// caps the rate so the result lands near the target size.
func BuildArgs(plan types.Plan, inputPath, outputPath string) []string {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "error",
		"-y",
		"-thread_queue_size", threadQueueSize,
		"-i", inputPath,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-c:v", defaultVideoEncoder,
		"-pix_fmt", "yuv420p",
		"-crf", strconv.Itoa(plan.Quality),
	}

	if plan.Duration > 0 && plan.VideoBitrate > 0 {
		args = append(args,
			"-maxrate", kbit(plan.VideoBitrate),
			"-bufsize", kbit(2*plan.VideoBitrate),
		)
	}

	if plan.Preset != "" {
		args = append(args, "-preset", plan.Preset)
	}

	if !plan.Resolution.IsZero() {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", plan.Resolution.Width, plan.Resolution.Height))
	}

	audio := plan.AudioBitrate
	if audio <= 0 {
		audio = 128_000
	}
	args = append(args,
		"-c:a", "aac",
		"-b:a", kbit(audio),
		"-ac", "2",
		"-movflags", "+faststart",
		"-max_muxing_queue_size", maxMuxingQueueSize,
		"-progress", "pipe:1",
		"-nostats",
		"-f", "mp4",
		outputPath,
	)

	return args
}

func kbit(bps int64) string {
	return strconv.FormatInt(bps/1000, 10) + "k"
}

// progressWriter turns the engine's key=value progress stream into 0..1
// fractions of the clip duration. Partial lines are buffered across writes.
type progressWriter struct {
	duration time.Duration
	report   func(float64)
	pending  []byte
	last     float64
}

func newProgressWriter(duration time.Duration, report func(float64)) *progressWriter {
	return &progressWriter{duration: duration, report: report, last: -1}
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.handleLine(string(w.pending[:i]))
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

func (w *progressWriter) handleLine(line string) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return
	}

	switch key {
	case "out_time_us", "out_time_ms":
		// both keys carry microseconds
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 || w.duration <= 0 {
			return
		}
		w.emit(float64(time.Duration(us)*time.Microsecond) / float64(w.duration))
	case "progress":
		if value == "end" {
			w.emit(1)
		}
	}
}

// emit forwards monotonically increasing fractions only
func (w *progressWriter) emit(f float64) {
	if f > 1 {
		f = 1
	}
	if f <= w.last || w.report == nil {
		return
	}
	w.last = f
	w.report(f)
}

// parseVersion pulls the first line of `-version` output
func parseVersion(out string) string {
	sc := bufio.NewScanner(strings.NewReader(out))
	if sc.Scan() {
		return strings.TrimSpace(sc.Text())
	}
	return ""
}
