/*
Package filesystem provides the file primitives the migrator relies on:
retrying stat/open/rename for NFS stale handles, atomic replace and move
helpers, and advisory file locks.

# Retry Behavior

StatWithRetry, OpenWithRetry and RenameWithRetry retry only ESTALE errors,
using exponential backoff from github.com/cenkalti/backoff/v4:
  - MaxRetries: 3 attempts
  - InitialBackoff: 50ms
  - MaxBackoff: 500ms

All other errors fail immediately.

# Atomic Writes

ReplaceFile and MoveFile prefer a rename. When the rename is refused they
copy into a uniquely named temp file beside the destination, verify the
byte count, rename it into place and unlink the source. CopyFile uses the
same temp-then-rename path. TempPath produces "<path>.tmp.<uuid>" names.

# Locks

Acquire takes a non-blocking exclusive lock (flock on unix, LockFileEx on
windows) and returns ErrLocked when another holder exists. AcquireWait polls
until the lock is free or the context ends. Per-attachment locks live under
"<uploads>/webp-migrator-locks/att-<id>.lock".

# Metrics

Operation durations and retry counters are reported through an Observer set
with SetObserver; the metrics package supplies the implementation. Volume
labels ("uploads", "backup", "ledger") come from a VolumeResolver.
*/
package filesystem
