// Package ledger persists the migrator's JSON side files under the uploads
// root: the error ledger (one upserted entry per failing attachment), the
// dimension inconsistency log and the bounded resize debug log.
//
// Every write holds an exclusive lock on "<file>.lock" for the whole
// read-modify-write and swaps the file in atomically, so concurrent
// processes never interleave updates and readers never see partial JSON.
package ledger
