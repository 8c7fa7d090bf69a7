// Package persistence checkpoints processes onto their calculation records.
//
// A checkpoint is a YAML Bundle naming the process class by registry
// reference, the record id, and the saved state. It lives in the
// "checkpoint" attribute of the record, so it is written by the same
// sealed-aware attribute operations as everything else and becomes
// immutable with the record.
package persistence
