// Package environment classifies the host a compression runs on.
//
// The strategy selector never looks at process globals directly. Instead a
// Capabilities descriptor is built once (by SystemProbe in production, by hand
// in tests) and Assess turns it into critical failures and warnings.
package environment

import (
	"context"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Capabilities describes what the host can offer the engines
type Capabilities struct {
	SharedMemory  bool   `json:"shared_memory"`  // threaded engine builds can run
	Isolated      bool   `json:"isolated"`       // engine workspace is private to this process
	SecureContext bool   `json:"secure_context"` // assets are reached over a trusted channel
	Host          string `json:"host"`
}

// Assessment is the classified view of a Capabilities value
type Assessment struct {
	Capabilities
	Loopback bool     `json:"loopback"`
	Critical []string `json:"critical,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Supported reports whether the primary engine may be attempted at all
func (a Assessment) Supported() bool {
	return len(a.Critical) == 0
}

// Assess classifies capabilities into critical failures and warnings.
func Assess(c Capabilities) Assessment {
	a := Assessment{
		Capabilities: c,
		Loopback:     IsLoopback(c.Host),
	}

	if !c.SharedMemory && !a.Loopback {
		a.Critical = append(a.Critical, "shared memory unavailable")
	}
	if !c.SecureContext && !a.Loopback {
		a.Critical = append(a.Critical, "insecure context")
	}
	if c.SharedMemory && !c.Isolated {
		a.Warnings = append(a.Warnings, "shared memory present without isolation; engine load may fail")
	}

	return a
}

// Log writes the assessment at a level matching its severity
func (a Assessment) Log(logger hclog.Logger) {
	for _, c := range a.Critical {
		logger.Error("environment critically unsupported", "reason", c, "host", a.Host)
	}
	for _, w := range a.Warnings {
		logger.Warn("environment warning", "reason", w, "host", a.Host)
	}
	if a.Supported() && len(a.Warnings) == 0 {
		logger.Debug("environment capable", "host", a.Host, "loopback", a.Loopback)
	}
}

// IsLoopback reports whether host (optionally with a port) names the local machine.
func IsLoopback(host string) bool {
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")

	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsUnspecified()
	}
	return false
}

// SystemProbe builds Capabilities from the running process
type SystemProbe struct {
	logger  hclog.Logger
	origin  string
	workDir string

	cpuCount func(ctx context.Context) (int, error)
	memStat  func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	hostname func() (string, error)
}

// NewSystemProbe creates a probe. origin is the URL the pipeline is served from;
// empty means a local process. workDir is where engine sessions stage files.
func NewSystemProbe(logger hclog.Logger, origin, workDir string) *SystemProbe {
	return &SystemProbe{
		logger:  logger.Named("environment"),
		origin:  origin,
		workDir: workDir,
		cpuCount: func(ctx context.Context) (int, error) {
			return cpu.CountsWithContext(ctx, true)
		},
		memStat:  mem.VirtualMemoryWithContext,
		hostname: os.Hostname,
	}
}

// Capabilities inspects the host. It never fails; unknowns resolve to the
// conservative answer.
func (p *SystemProbe) Capabilities(ctx context.Context) Capabilities {
	caps := Capabilities{}

	if n, err := p.cpuCount(ctx); err != nil {
		p.logger.Warn("failed to count CPUs", "error", err)
	} else {
		caps.SharedMemory = n > 1
	}

	caps.Isolated = p.workspaceIsolated()

	if p.origin == "" {
		caps.SecureContext = true
		if h, err := p.hostname(); err == nil {
			caps.Host = h
		}
	} else if u, err := url.Parse(p.origin); err == nil {
		caps.Host = u.Host
		caps.SecureContext = u.Scheme == "https" || u.Scheme == "file"
	} else {
		p.logger.Warn("unparseable origin", "origin", p.origin, "error", err)
	}

	if vm, err := p.memStat(ctx); err == nil {
		p.logger.Debug("host memory", "total_mb", vm.Total/1024/1024, "available_mb", vm.Available/1024/1024)
	}

	return caps
}

// workspaceIsolated checks that a directory created under workDir is private
// to this user.
func (p *SystemProbe) workspaceIsolated() bool {
	dir, err := os.MkdirTemp(p.workDir, "probe-*")
	if err != nil {
		p.logger.Warn("engine workspace not writable", "dir", p.workDir, "error", err)
		return false
	}
	defer os.RemoveAll(dir)

	info, err := os.Stat(dir)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0o077 == 0
}
