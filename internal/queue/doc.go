// Package queue provides a generic FIFO used to hold completed audio
// windows while a session waits for a free recognition slot.
package queue
