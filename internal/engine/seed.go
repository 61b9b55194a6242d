package engine

import (
	"context"
	"fmt"

	"github.com/roach88/compose/internal/ir"
)

// SeedFrom returns a Baseline that reads the latest snapshot of prior and
// passes it through transform. A missing snapshot is passed as ir.Null{}.
//
// It supports the channel migration convention: bump the version suffix
// and seed the new channel from ir.ChannelName.Prior().
func SeedFrom(snapshots SnapshotStore, prior string, transform func(ir.Value) ir.Value) Baseline {
	return BaselineFunc(func(ctx context.Context) (ir.Value, error) {
		snap, ok, err := snapshots.LoadSnapshot(ctx, prior)
		if err != nil {
			return nil, fmt.Errorf("seed from %s: %w", prior, err)
		}

		var v ir.Value = ir.Null{}
		if ok {
			v = snap.Value
		}
		if transform != nil {
			v = transform(v)
		}
		return v, nil
	})
}

// SeedFromPrior is SeedFrom for the version before channel.
// Version 0 channels have no prior and get fallback as a plain baseline.
func SeedFromPrior(snapshots SnapshotStore, channel string, fallback ir.Value, transform func(ir.Value) ir.Value) (Baseline, error) {
	name, err := ir.ParseChannelName(channel)
	if err != nil {
		return Baseline{}, err
	}
	prior, ok := name.Prior()
	if !ok {
		return BaselineValue(fallback), nil
	}
	return SeedFrom(snapshots, prior.String(), transform), nil
}
