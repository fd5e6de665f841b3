// Package klog installs and exposes the kernel-wide structured logger.
//
// biscuit's subsystems call fmt.Printf straight to the boot console
// (see fs/blk.go's bdev_debug gate, kernel/chentry.go's usage message).
// This kernel has no console driver in scope (spec.md §1 excludes
// "console printing"), so every former Printf site instead goes through
// a *zap.SugaredLogger installed once at boot.
package klog

import "go.uber.org/zap"

var l *zap.SugaredLogger

func init() {
	// A development logger matches biscuit's always-on console prints:
	// human-readable, no sampling, Debug included.
	base, err := zap.NewDevelopment()
	if err != nil {
		base = zap.NewNop()
	}
	l = base.Sugar()
}

// Set replaces the installed logger, e.g. to swap in a production
// config or a test observer.
func Set(z *zap.SugaredLogger) {
	l = z
}

// L returns the installed logger.
func L() *zap.SugaredLogger { return l }

func Debugf(tmpl string, args ...interface{}) { l.Debugf(tmpl, args...) }
func Infof(tmpl string, args ...interface{})  { l.Infof(tmpl, args...) }
func Warnf(tmpl string, args ...interface{})  { l.Warnf(tmpl, args...) }
func Errorf(tmpl string, args ...interface{}) { l.Errorf(tmpl, args...) }

// Sync flushes any buffered log entries, mirroring the drain biscuit
// performs on panic before halting.
func Sync() {
	_ = l.Sync()
}
