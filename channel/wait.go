package channel

import (
	"sort"
	"strings"
)

type waitKind int

const (
	waitNone waitKind = iota
	waitAll
	waitFail
	waitNames
)

// WaitMode decides which messages a transport acknowledges only after their
// listeners have finished.
type WaitMode struct {
	kind  waitKind
	names map[string]struct{}
}

var (
	// WaitNone acknowledges every message as soon as it is accepted.
	WaitNone = WaitMode{kind: waitNone}
	// WaitAll waits for the listeners of every message.
	WaitAll = WaitMode{kind: waitAll}
	// WaitFail waits for failure-class messages only: testFail, suiteError,
	// fatalError, and testEnd or error messages that carry an error.
	WaitFail = WaitMode{kind: waitFail}
)

// WaitNames waits for messages with one of the given names.
func WaitNames(names ...string) WaitMode {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			set[n] = struct{}{}
		}
	}
	if len(set) == 0 {
		return WaitNone
	}
	return WaitMode{kind: waitNames, names: set}
}

// ParseWaitMode reads a configuration value: "", "none" or "false" for
// WaitNone, "all" or "true" for WaitAll, "fail" for WaitFail, otherwise a
// comma separated list of event names.
func ParseWaitMode(s string) WaitMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "false":
		return WaitNone
	case "all", "true":
		return WaitAll
	case "fail":
		return WaitFail
	}
	return WaitNames(strings.Split(s, ",")...)
}

// ShouldWait reports whether the transport must wait for msg's listeners
// before acknowledging it.
func (w WaitMode) ShouldWait(msg Message) bool {
	switch w.kind {
	case waitAll:
		return true
	case waitFail:
		switch msg.Name {
		case "testFail", "suiteError", "fatalError":
			return true
		case "testEnd", "error":
			return msg.carriesError()
		}
		return false
	case waitNames:
		_, ok := w.names[msg.Name]
		return ok
	}
	return false
}

func (w WaitMode) String() string {
	switch w.kind {
	case waitAll:
		return "all"
	case waitFail:
		return "fail"
	case waitNames:
		names := make([]string, 0, len(w.names))
		for n := range w.names {
			names = append(names, n)
		}
		sort.Strings(names)
		return strings.Join(names, ",")
	}
	return "none"
}
