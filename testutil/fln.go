package testutil

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// Location is where a test case was written; it prints as a prefix for failure messages.
type Location struct {
	File string
	Line int
}

func (loc Location) String() string {
	if loc.Line == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d: ", filepath.Base(loc.File), loc.Line)
}

// Here returns the location of the caller of the function which calls Here, so that a one
// line helper in a table driven test records the line of each case.
func Here() Location {
	var pcs [1]uintptr
	if runtime.Callers(3, pcs[:]) == 0 {
		return Location{}
	}
	frame, _ := runtime.CallersFrames(pcs[:]).Next()
	return Location{File: frame.File, Line: frame.Line}
}
