// Package vmlog provides the debug-gated logging used across the vm
// subsystem, the same const-bool-gate idiom as fs/blk.go's bdev_debug
// and stats/stats.go's Stats/Timing switches.
package vmlog

import (
	"log"
	"os"
)

// std is the package logger; every subsystem shares it rather than each
// constructing its own, matching the teacher's single fmt.Printf style.
var std = log.New(os.Stderr, "vm: ", log.LstdFlags)

// Debugf logs only when enabled is true. Subsystems flip their own
// package-level bool (e.g. physmem.Debug) and call vmlog.Debugf guarded
// by it, rather than vmlog deciding per-subsystem verbosity itself.
func Debugf(enabled bool, format string, args ...interface{}) {
	if !enabled {
		return
	}
	std.Printf(format, args...)
}

// Printf always logs; used for the handful of unconditional operator
// messages the teacher prints (e.g. Phys_init's "Reserved N pages").
func Printf(format string, args ...interface{}) {
	std.Printf(format, args...)
}
