// Package nlog is a thin leveled-logging shim in the teacher's idiom
// (nlog.Infof / nlog.Warningln / nlog.Errorln, see xact/xs/tcb.go). Built on
// the standard log package: no third-party logging library is a direct
// dependency anywhere in the retrieved pack, so there's nothing to wire here
// (see DESIGN.md).
package nlog

import (
	"log"
	"os"
)

var std = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)

func Infof(format string, args ...any)    { std.Printf("I "+format, args...) }
func Infoln(args ...any)                  { std.Println(append([]any{"I"}, args...)...) }
func Warningf(format string, args ...any) { std.Printf("W "+format, args...) }
func Warningln(args ...any)               { std.Println(append([]any{"W"}, args...)...) }
func Errorf(format string, args ...any)   { std.Printf("E "+format, args...) }
func Errorln(args ...any)                 { std.Println(append([]any{"E"}, args...)...) }
