// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package dwheel

import (
	"github.com/intuitivelabs/slog"
)

// Log is the logger used by the dwheel package.
// The level can be changed at any time, e.g.
// slog.SetLevel(&Log, slog.LWARN).
var Log slog.Log = slog.New(slog.LNOTICE, slog.LOptNone, slog.LStdErr)

// DBGon returns true if debug messages are enabled.
func DBGon() bool {
	return Log.DBGon()
}

// WARNon returns true if warning messages are enabled.
func WARNon() bool {
	return Log.WARNon()
}

// ERRon returns true if error messages are enabled.
func ERRon() bool {
	return Log.ERRon()
}

func DBG(f string, a ...interface{}) {
	Log.LLog(slog.LDBG, 1, "DBG: "+NAME+": ", f, a...)
}

func WARN(f string, a ...interface{}) {
	Log.LLog(slog.LWARN, 1, "WARNING: "+NAME+": ", f, a...)
}

func ERR(f string, a ...interface{}) {
	Log.LLog(slog.LERR, 1, "ERROR: "+NAME+": ", f, a...)
}

func BUG(f string, a ...interface{}) {
	Log.LLog(slog.LBUG, 1, "BUG: "+NAME+": ", f, a...)
}

func PANIC(f string, a ...interface{}) {
	Log.PanicMsg(1, "PANIC: "+NAME+": ", f, a...)
}
