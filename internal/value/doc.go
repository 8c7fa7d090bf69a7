// Package value defines the values carried by data records and process ports.
//
// This package imports nothing internal. Values are a closed set of kinds so
// that records can be stored as JSON, hashed deterministically, and validated
// against port type constraints without reflection on arbitrary Go types.
package value
