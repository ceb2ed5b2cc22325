/*
Package workers sizes and runs small worker pools.

When running in a container the number of usable CPUs may be limited by
cgroup constraints. runtime.NumCPU still reports the host's CPUs, while
GOMAXPROCS follows the container limit, so worker counts are derived from
GOMAXPROCS:

	// Encoding and resizing: one worker per CPU, at most 4
	n := workers.ForCPU(4)

	// Removing backup directories: two workers per CPU, at most 16
	n := workers.ForIO(16)

The MIGRATOR_WORKERS environment variable overrides the calculation (still
capped by the limit):

	env:
	- name: MIGRATOR_WORKERS
	  value: "4"

Each runs a function over a slice with a fixed number of goroutines and
collects per-item errors in input order:

	errs := workers.Each(ctx, workers.ForIO(16), dirs, func(ctx context.Context, dir string) error {
		return os.RemoveAll(dir)
	})

The attachment pipeline itself is strictly sequential; pools are only
used for bulk operations that are independent per attachment.
*/
package workers
