package subscription

import (
	"fmt"
	"runtime"
	"strings"
)

const maxCallSiteDepth = 16

// callSite is the stack of the code that called Dispatch. It is only
// formatted when a handler fails.
type callSite []uintptr

func captureCallSite() callSite {
	pcs := make([]uintptr, maxCallSiteDepth)
	// Skip runtime.Callers, captureCallSite and Dispatch.
	n := runtime.Callers(3, pcs)
	return callSite(pcs[:n])
}

func (c callSite) String() string {
	if len(c) == 0 {
		return "unknown"
	}
	var b strings.Builder
	frames := runtime.CallersFrames(c)
	for {
		f, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return b.String()
}
