package collab

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestSession(displayName string) *Session {
	return &Session{
		UserId:      NewId(),
		DisplayName: displayName,
		Color:       "#1f6feb",
	}
}

// a transport that is never connected. tests drive the managers by
// emitting messages directly, standing in for the dispatch goroutine.
func newTestTransport(session *Session) *Transport {
	transport := NewTransportWithDefaults(
		context.Background(),
		"ws://127.0.0.1:0/ws",
		StaticToken(""),
	)
	transport.session = session
	return transport
}

type simHarness struct {
	server *SimServer
	ts     *httptest.Server
	wsUrl  string
	apiUrl string
}

func newSimHarness(t *testing.T, settings *SimServerSettings) *simHarness {
	server := NewSimServer(context.Background(), settings)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.CloseClientConnections()
		ts.Close()
		server.Close()
	})
	return &simHarness{
		server: server,
		ts:     ts,
		wsUrl:  fmt.Sprintf("ws%s/ws", strings.TrimPrefix(ts.URL, "http")),
		apiUrl: ts.URL,
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

// a clock whose timers fire immediately and record the requested delays
type testClock struct {
	mutex  sync.Mutex
	delays []time.Duration
}

func newTestClock() *testClock {
	return &testClock{}
}

func (self *testClock) Now() time.Time {
	return time.Now()
}

func (self *testClock) After(timeout time.Duration) <-chan time.Time {
	self.mutex.Lock()
	self.delays = append(self.delays, timeout)
	self.mutex.Unlock()
	c := make(chan time.Time, 1)
	c <- time.Now()
	return c
}

func (self *testClock) Delays() []time.Duration {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delays := make([]time.Duration, len(self.delays))
	copy(delays, self.delays)
	return delays
}
