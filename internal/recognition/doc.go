// Package recognition turns a completed audio window into exactly one
// classified Result by calling a speech-to-text backend. Every outcome,
// including backend panics, maps onto one of four kinds: Text, NoMatch,
// ServiceUnavailable or ProcessingError.
package recognition
