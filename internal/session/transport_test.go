package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
)

// newTestTransport wraps the server side of a live socket. The client side is drained in the
// background so writes never stall.
func newTestTransport(t *testing.T, sendBuffer int) *wsTransport {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(websocket.StatusNormalClosure, "") })
	go func() {
		for {
			if _, _, err := client.Read(context.Background()); err != nil {
				return
			}
		}
	}()

	tr := newTransport(<-accepted, Options{SendBuffer: sendBuffer, WriteTimeout: time.Second}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestSendAfterCloseQueuesNothing(t *testing.T) {
	tr := newTestTransport(t, 4)
	if err := tr.Send([]byte("before")); err != nil {
		t.Fatalf("send on open transport: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	queued := len(tr.sendCh)
	for i := 0; i < 10; i++ {
		if err := tr.Send([]byte("after")); !errors.Is(err, ErrTransportClosed) {
			t.Fatalf("send %d after close: expected ErrTransportClosed, got %v", i, err)
		}
	}
	if len(tr.sendCh) != queued {
		t.Fatalf("frames queued after close: %d before, %d after", queued, len(tr.sendCh))
	}
	if tr.Open() {
		t.Fatal("transport reports open after close")
	}
}

func TestSendRacingCloseEndsWithClosedError(t *testing.T) {
	tr := newTestTransport(t, 64)

	var wg sync.WaitGroup
	last := make([]error, 8)
	for i := range last {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				if err := tr.Send([]byte("frame")); err != nil {
					last[i] = err
					return
				}
			}
		}(i)
	}
	time.Sleep(5 * time.Millisecond)
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	wg.Wait()

	for i, err := range last {
		if !errors.Is(err, ErrTransportClosed) && !errors.Is(err, ErrBackpressure) {
			t.Fatalf("sender %d stopped with %v", i, err)
		}
	}
	if err := tr.Send([]byte("late")); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed once closed, got %v", err)
	}
}
