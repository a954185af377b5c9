package health

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/tidewater-ai/bastion/internal/store"
)

const mib = 1024 * 1024

// Probe is a bounded-time health check for one component. Check must honor
// ctx's deadline; the aggregator enforces it regardless.
type Probe interface {
	Name() string
	Check(ctx context.Context) (Status, string)
}

// Pinger is the bounded-time responsiveness interface the agent/LLM
// subsystem must expose.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStats is the interface the tool/sandbox worker pool must expose.
type PoolStats interface {
	ActiveWorkers() int
	FailedWorkers() int
}

// DiskProbe reports free space on the volume holding Path against staged
// thresholds.
type DiskProbe struct {
	Path      string
	WarnBytes uint64
	CritBytes uint64

	// statfs is swapped in tests.
	statfs func(path string) (free uint64, err error)
}

// NewDiskProbe builds a disk probe with thresholds in MiB.
func NewDiskProbe(path string, warnMiB, critMiB uint64) *DiskProbe {
	return &DiskProbe{
		Path:      path,
		WarnBytes: warnMiB * mib,
		CritBytes: critMiB * mib,
		statfs:    statfsFree,
	}
}

func (p *DiskProbe) Name() string { return "disk" }

func (p *DiskProbe) Check(ctx context.Context) (Status, string) {
	free, err := p.statfs(p.Path)
	if err != nil {
		return StatusUnknown, fmt.Sprintf("statfs %s: %v", p.Path, err)
	}
	return ClassifyHeadroom(free, p.WarnBytes, p.CritBytes),
		fmt.Sprintf("%d MiB free at %s", free/mib, p.Path)
}

func statfsFree(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// MemoryProbe reports available system memory against staged thresholds.
type MemoryProbe struct {
	WarnBytes uint64
	CritBytes uint64

	sysinfo func() (freeBytes uint64, err error)
}

// NewMemoryProbe builds a memory probe with thresholds in MiB.
func NewMemoryProbe(warnMiB, critMiB uint64) *MemoryProbe {
	return &MemoryProbe{
		WarnBytes: warnMiB * mib,
		CritBytes: critMiB * mib,
		sysinfo:   sysinfoFree,
	}
}

func (p *MemoryProbe) Name() string { return "memory" }

func (p *MemoryProbe) Check(ctx context.Context) (Status, string) {
	free, err := p.sysinfo()
	if err != nil {
		return StatusUnknown, fmt.Sprintf("sysinfo: %v", err)
	}
	return ClassifyHeadroom(free, p.WarnBytes, p.CritBytes),
		fmt.Sprintf("%d MiB available", free/mib)
}

func sysinfoFree() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	// Freeram undercounts reclaimable memory but is a safe floor.
	return (info.Freeram + info.Bufferram) * uint64(info.Unit), nil
}

// ClassifyHeadroom maps a free-resource amount onto staged thresholds.
func ClassifyHeadroom(free, warn, crit uint64) Status {
	switch {
	case free < crit:
		return StatusCritical
	case free < warn:
		return StatusWarn
	default:
		return StatusOK
	}
}

// StoreProbe checks that the persistent store answers a trivial query.
type StoreProbe struct {
	Store *store.Store
}

func (p *StoreProbe) Name() string { return "store" }

func (p *StoreProbe) Check(ctx context.Context) (Status, string) {
	if err := p.Store.Ping(ctx); err != nil {
		return StatusCritical, fmt.Sprintf("store unresponsive: %v", err)
	}
	return StatusOK, "store responsive"
}

// PingProbe adapts a collaborator's Pinger (the LLM subsystem) to a Probe.
type PingProbe struct {
	Component string
	Target    Pinger
}

func (p *PingProbe) Name() string { return p.Component }

func (p *PingProbe) Check(ctx context.Context) (Status, string) {
	if err := p.Target.Ping(ctx); err != nil {
		return StatusCritical, fmt.Sprintf("unresponsive: %v", err)
	}
	return StatusOK, "responsive"
}

// PoolProbe reports on a subordinate worker pool.
type PoolProbe struct {
	Component string
	Pool      PoolStats
}

func (p *PoolProbe) Name() string { return p.Component }

func (p *PoolProbe) Check(ctx context.Context) (Status, string) {
	active, failed := p.Pool.ActiveWorkers(), p.Pool.FailedWorkers()
	detail := fmt.Sprintf("%d active, %d failed workers", active, failed)
	switch {
	case active == 0 && failed > 0:
		return StatusCritical, detail
	case failed > 0:
		return StatusWarn, detail
	default:
		return StatusOK, detail
	}
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc struct {
	Component string
	Fn        func(ctx context.Context) (Status, string)
}

func (p ProbeFunc) Name() string { return p.Component }

func (p ProbeFunc) Check(ctx context.Context) (Status, string) { return p.Fn(ctx) }
