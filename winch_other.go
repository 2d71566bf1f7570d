//go:build !unix

package main

// watchResize is a no-op where SIGWINCH does not exist.
func watchResize(func()) (stop func()) { return func() {} }
