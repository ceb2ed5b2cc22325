// Package urlmap builds the ordered old→new substitution table that
// describes a conversion. The table is stored with the conversion report
// and its Inverse drives rollback.
package urlmap
