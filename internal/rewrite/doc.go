// Package rewrite substitutes URL map pairs across every place the host
// stores asset references and returns a manifest of the rows it changed.
//
// Post and comment bodies are matched with one LIKE per map key and
// rewritten as plain text. Meta tables and options are probed with the
// first MetaProbeKeys keys; their values are decoded (PHP-serialised or
// JSON), walked, re-encoded and written only when the encoded form differs.
// Custom tables are discovered within fixed budgets, so references stored
// there are rewritten on a best-effort basis.
package rewrite
