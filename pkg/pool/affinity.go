package pool

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID parses the numeric id out of the calling goroutine's own
// stack trace header ("goroutine 123 [running]:"). Go exposes no public
// goroutine-local storage, so this stands in for the thread-local worker
// pointer the pool's submission routing is specified against: a worker
// registers itself under its own goroutine id at startup, and a submitter
// looks itself up the same way. Misdetection (e.g. after a runtime change
// to the trace format) only costs routing efficiency — the submission
// falls back to queue 0, which is always a safe, defined destination.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
