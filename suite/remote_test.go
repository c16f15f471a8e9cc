package suite

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/suitegraph/channel"
	"github.com/dshills/suitegraph/suite/emit"
)

// simulate returns a navigate func that plays msgs into ch, in the given
// order, as a browser would after loading the page.
func simulate(t *testing.T, ch *channel.Channel, sessionID string, order []int, msgs []channel.Message) func(context.Context, string) error {
	return func(ctx context.Context, url string) error {
		assert.Contains(t, url, sessionID, "url carries the session id")
		go func() {
			for _, i := range order {
				m := msgs[i]
				m.SessionID = sessionID
				m.Sequence = int64(i)
				_, err := ch.Deliver(context.Background(), m)
				assert.NoError(t, err, "deliver %d", i)
			}
		}()
		return nil
	}
}

func remoteMsg(name, data string) channel.Message {
	return channel.Message{Name: name, Data: json.RawMessage(data)}
}

func newRemoteTree(t *testing.T, ch *channel.Channel, remote Remote, idle time.Duration) *Suite {
	t.Helper()
	return NewRemoteSuite(SuiteOptions{
		Name: "chrome",
		Before: []HookFunc{func(ctx context.Context, s *Suite) error {
			return s.SetRemote(remote)
		}},
	}, RemoteOptions{
		Source:      ch,
		URL:         func(id string) string { return "http://localhost:9000/__loader?session=" + id },
		IdleTimeout: idle,
	})
}

func TestRemoteSuite_ForwardsOrderedEvents(t *testing.T) {
	ch := channel.New()
	msgs := []channel.Message{
		remoteMsg(emit.RunStart, `{}`),
		remoteMsg(emit.SuiteStart, `{"id":"app"}`),
		remoteMsg(emit.TestEnd, `{"id":"app - a","hasPassed":true,"timeElapsed":4}`),
		remoteMsg(emit.TestEnd, `{"id":"app - b","error":{"name":"AssertionError","message":"expected 1"}}`),
		remoteMsg(emit.TestEnd, `{"id":"app - c","skipped":"grep"}`),
		remoteMsg(emit.Coverage, `{"coverage":{}}`),
		remoteMsg(emit.SuiteEnd, `{"id":"app"}`),
		remoteMsg(emit.RunEnd, `{}`),
	}
	remote := &fakeRemote{id: "s-1"}
	remote.navigate = simulate(t, ch, "s-1", []int{3, 0, 2, 1, 5, 4, 7, 6}, msgs)

	root := newRemoteTree(t, ch, remote, time.Second)
	e, buf := newEngine(t)
	failed, err := e.Run(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 3, root.NumTests())
	assert.Equal(t, 1, root.NumSkippedTests())
	assert.NoError(t, root.Error())

	var forwarded []string
	for _, ev := range buf.GetHistoryWithFilter("run", emit.HistoryFilter{SessionID: "s-1"}) {
		if ev.NodeID == "chrome" {
			continue
		}
		forwarded = append(forwarded, ev.Name)
	}
	assert.Equal(t, "suiteStart,testEnd,testEnd,testEnd,coverage,suiteEnd", strings.Join(forwarded, ","))

	ends := buf.GetHistoryWithFilter("run", emit.HistoryFilter{Name: emit.TestEnd, NodeID: "app - b"})
	require.Len(t, ends, 1)
	assert.Equal(t, "AssertionError: expected 1", ends[0].Meta[emit.MetaError])
}

func TestRemoteSuite_FatalError(t *testing.T) {
	ch := channel.New()
	msgs := []channel.Message{
		remoteMsg(emit.RunStart, `{}`),
		remoteMsg(emit.Error, `{"error":"loader crashed","fatal":true}`),
	}
	remote := &fakeRemote{id: "s-2"}
	remote.navigate = simulate(t, ch, "s-2", []int{0, 1}, msgs)

	root := newRemoteTree(t, ch, remote, time.Second)
	e, _ := newEngine(t)
	_, err := e.Run(context.Background(), root)
	require.NoError(t, err)
	require.Error(t, root.Error())
	assert.Contains(t, root.Error().Error(), "loader crashed")
	assert.Equal(t, 1, e.SuiteErrors())
}

func TestRemoteSuite_IdleTimeout(t *testing.T) {
	ch := channel.New()
	remote := &fakeRemote{id: "s-3"}
	remote.navigate = simulate(t, ch, "s-3", []int{0}, []channel.Message{remoteMsg(emit.RunStart, `{}`)})

	root := newRemoteTree(t, ch, remote, 30*time.Millisecond)
	e, _ := newEngine(t)
	start := time.Now()
	_, err := e.Run(context.Background(), root)
	require.NoError(t, err)
	assert.ErrorIs(t, root.Error(), ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "idle timeout fired early")
}

func TestRemoteSuite_WithoutSession(t *testing.T) {
	root := NewRemoteSuite(SuiteOptions{Name: "nobody"}, RemoteOptions{Source: channel.New()})
	e, _ := newEngine(t)
	_, err := e.Run(context.Background(), root)
	require.NoError(t, err)
	var ue *UsageError
	require.ErrorAs(t, root.Error(), &ue)
	assert.Equal(t, CodeRemoteNotSet, ue.Code)
}

func TestRemoteSuite_NavigateFailure(t *testing.T) {
	remote := &fakeRemote{id: "s-4", navigate: func(ctx context.Context, url string) error {
		return errors.New("no such window")
	}}
	root := newRemoteTree(t, channel.New(), remote, time.Second)
	e, _ := newEngine(t)
	_, err := e.Run(context.Background(), root)
	require.NoError(t, err)
	require.Error(t, root.Error())
	assert.Contains(t, root.Error().Error(), "no such window")
}

func TestRemoteErrorText(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{``, ""},
		{`null`, ""},
		{`""`, ""},
		{`"boom"`, "boom"},
		{`{"message":"boom"}`, "boom"},
		{`{"name":"TypeError","message":"x is undefined"}`, "TypeError: x is undefined"},
		{`42`, "42"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, remoteErrorText(json.RawMessage(tt.raw)), "raw %s", tt.raw)
	}
}
