package api

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmops/swarmops/internal/events"
)

func TestSendSSEEvent_FrameFormat(t *testing.T) {
	e := newServerEnv(t)
	rec := httptest.NewRecorder()

	e.server.sendSSEEvent(rec, rec, "worker-spawned", map[string]string{"workerId": "w1"})

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: worker-spawned\n"), body)
	assert.Contains(t, body, `data: {"workerId":"w1"}`)
	assert.True(t, strings.HasSuffix(body, "\n\n"), body)
}

func TestHandleSSE_StreamsBusEvents(t *testing.T) {
	e := newServerEnv(t)
	srv := httptest.NewServer(e.server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events?run=run-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	waitFor := func(substr string) string {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed before %q", substr)
				}
				if strings.Contains(line, substr) {
					return line
				}
				if strings.Contains(line, "agent:2") {
					t.Fatalf("filtered event leaked into stream: %q", line)
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %q", substr)
			}
		}
	}

	// The handler subscribes before it sends the connected frame, so
	// publishing after it is race-free.
	waitFor("connected")

	e.bus.Publish(events.NewWorkerSpawnedEvent("run-other", 1, "w1", "t1", "agent:2", "lbl"))
	e.bus.Publish(events.NewWorkerSpawnedEvent("run-1", 1, "w1", "t1", "agent:1", "lbl"))

	waitFor("event: worker-spawned")
	data := waitFor("agent:1")
	assert.Contains(t, data, "run-1")
}
