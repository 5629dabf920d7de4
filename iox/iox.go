// Package iox holds close helpers for stores, sessions, and HTTP bodies
// whose Close errors have no caller to report to.
package iox

import "io"

// DiscardClose closes c and drops the error. Intended for defers on
// teardown paths, for example a store that failed its connection check.
func DiscardClose(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

// CloseFunc adapts c for t.Cleanup:
//
//	t.Cleanup(iox.CloseFunc(store))
func CloseFunc(c io.Closer) func() {
	return func() { DiscardClose(c) }
}
