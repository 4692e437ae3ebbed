// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package panics provides the single abort primitive used for invariant
// breaches: queue-order violations from the log writer, connection-count
// underflow, double destruction, and other conditions the receiver makes no
// attempt to recover from.
package panics

// Invariant panics with msg prefixed, marking the caller's assumption as
// violated.
func Invariant(msg string) {
	panic("log receiver invariant violation: " + msg)
}

// Assert panics with msg if cond is false.
func Assert(cond bool, msg string) {
	if !cond {
		Invariant(msg)
	}
}
