// Package suite provides the test tree model and the engine that executes it.
//
// A tree is built from Suites and Tests before a run starts:
//
//	root := suite.NewSuite(suite.SuiteOptions{Name: "checkout", Bail: suite.Bool(true)})
//	root.Add(
//	    suite.NewTest(suite.TestOptions{Name: "adds item", Body: addsItem}),
//	    suite.NewTest(suite.TestOptions{Name: "pays", Body: pays}),
//	)
//
//	engine, _ := suite.New(emitter)
//	failed, err := engine.Run(ctx, root)
//
// Hook and body failures are recorded on the node where they happen and
// reported as events; they never unwind the tree. Only usage errors and
// cancellation are returned from Run.
package suite

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
)

// IDSeparator joins ancestor names into a node id.
const IDSeparator = " - "

// Node is a child of a Suite: a *Test or a *Suite.
type Node interface {
	Name() string
	ID() string
	Parent() *Suite

	attach(parent *Suite) error
}

func nodeID(name string, parent *Suite) string {
	var parts []string
	for p := parent; p != nil; p = p.parent {
		if p.name != "" {
			parts = append(parts, p.name)
		}
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	if name != "" {
		parts = append(parts, name)
	}
	return strings.Join(parts, IDSeparator)
}

// SkipKind says why a node was skipped.
type SkipKind int

const (
	// SkipUser means a body or hook asked to be skipped.
	SkipUser SkipKind = iota + 1
	// SkipGrep means the test id did not match the resolved grep pattern.
	SkipGrep
	// SkipBail means an earlier sibling failed in a suite with bail enabled.
	SkipBail
	// SkipParent means an ancestor suite was skipped or failed its setup.
	SkipParent
	// SkipCancel means the run was cancelled before the node was reached.
	SkipCancel
)

func (k SkipKind) String() string {
	switch k {
	case SkipUser:
		return "user"
	case SkipGrep:
		return "grep"
	case SkipBail:
		return "bailed"
	case SkipParent:
		return "parent"
	case SkipCancel:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Skip records that a node did not run.
type Skip struct {
	Kind   SkipKind
	Reason string
}

var (
	grepSkip   = Skip{Kind: SkipGrep, Reason: "grep"}
	bailSkip   = Skip{Kind: SkipBail, Reason: "bailed"}
	cancelSkip = Skip{Kind: SkipCancel, Reason: "cancelled"}
)

// inherit returns the skip a child receives from a skipped parent.
func (s Skip) inherit() Skip {
	if s.Kind == SkipBail || s.Kind == SkipCancel {
		return s
	}
	return Skip{Kind: SkipParent, Reason: s.Reason}
}

// Remote is the handle to a remote session a test can drive.
type Remote interface {
	SessionID() string
	Navigate(ctx context.Context, url string) error
	Execute(ctx context.Context, script string, args ...interface{}) (json.RawMessage, error)
}

// trackedRemote counts commands a test has in flight.
type trackedRemote struct {
	Remote
	inflight *atomic.Int32
}

func (r trackedRemote) Navigate(ctx context.Context, url string) error {
	r.inflight.Add(1)
	defer r.inflight.Add(-1)
	return r.Remote.Navigate(ctx, url)
}

func (r trackedRemote) Execute(ctx context.Context, script string, args ...interface{}) (json.RawMessage, error) {
	r.inflight.Add(1)
	defer r.inflight.Add(-1)
	return r.Remote.Execute(ctx, script, args...)
}

// Bool returns a pointer to b, for the inheritable Bail option.
func Bool(b bool) *bool {
	return &b
}
