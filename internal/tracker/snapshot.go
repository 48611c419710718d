package tracker

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// SnapshotSource samples the set of executable names currently running on the
// host. Implementations hold no state between samples.
type SnapshotSource interface {
	Sample(ctx context.Context) (map[string]struct{}, error)
}

// ProcessSnapshotSource samples the real process table.
type ProcessSnapshotSource struct{}

func NewProcessSnapshotSource() *ProcessSnapshotSource {
	return &ProcessSnapshotSource{}
}

func (p *ProcessSnapshotSource) Sample(ctx context.Context) (map[string]struct{}, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	names := make(map[string]struct{}, len(procs))
	for _, proc := range procs {
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			// Processes exit between listing and inspection; skip them.
			continue
		}
		if name == "" {
			continue
		}
		names[name] = struct{}{}
	}

	return names, nil
}
