package hub

import (
	"encoding/json"
	"errors"
	"flag"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"sheetsync/internal/command"
)

func init() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

type recorder struct {
	mu      sync.Mutex
	entries []command.ChangeLog
	fail    bool
	got     chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 1024)}
}

func (r *recorder) Send(entry command.ChangeLog) error {
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	fail := r.fail
	r.mu.Unlock()
	r.got <- struct{}{}
	if fail {
		return errors.New("connection reset")
	}
	return nil
}

func (r *recorder) wait(t *testing.T, n int) []command.ChangeLog {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		if len(r.entries) >= n {
			out := append([]command.ChangeLog{}, r.entries...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		select {
		case <-r.got:
		case <-deadline:
			t.Fatalf("timed out waiting for %d entries", n)
		}
	}
}

func entry(ds string, rev int64) command.ChangeLog {
	return command.ChangeLog{DatasheetID: ds, Revision: rev, Command: command.CreateRow{}}
}

func TestBacklogThenLive(t *testing.T) {
	h := New(nil)
	defer h.Close()
	r := newRecorder()
	h.Subscribe("1", r, 2, []command.ChangeLog{entry("1", 3), entry("1", 4)})
	h.Broadcast("1", entry("1", 5))
	h.Broadcast("2", entry("2", 1))
	h.Broadcast("1", entry("1", 6))

	got := r.wait(t, 4)
	revs := make([]int64, 0, len(got))
	for _, e := range got {
		assert.Equal(t, e.DatasheetID, "1")
		revs = append(revs, e.Revision)
	}
	assert.Equal(t, revs, []int64{3, 4, 5, 6})
	assert.Equal(t, h.Count("1"), 1)
	assert.Equal(t, h.Count("2"), 0)
}

func TestLiveEntriesAtOrBelowFloorAreDropped(t *testing.T) {
	h := New(nil)
	defer h.Close()
	r := newRecorder()
	h.Subscribe("1", r, 3, nil)
	for rev := int64(1); rev <= 5; rev++ {
		h.Broadcast("1", entry("1", rev))
	}

	got := r.wait(t, 2)
	time.Sleep(20 * time.Millisecond)
	r.mu.Lock()
	assert.Equal(t, len(r.entries), 2)
	r.mu.Unlock()
	assert.Equal(t, got[0].Revision, int64(4))
	assert.Equal(t, got[1].Revision, int64(5))
}

func TestFailingSubscriberIsIsolated(t *testing.T) {
	h := New(nil)
	defer h.Close()
	bad := newRecorder()
	bad.fail = true
	good := newRecorder()
	h.Subscribe("1", bad, 0, nil)
	h.Subscribe("1", good, 0, nil)

	for rev := int64(1); rev <= 3; rev++ {
		h.Broadcast("1", entry("1", rev))
	}
	assert.Equal(t, len(good.wait(t, 3)), 3)
	assert.Equal(t, len(bad.wait(t, 3)), 3)
	assert.Equal(t, h.Count("1"), 2)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := New(nil)
	defer h.Close()
	r := newRecorder()
	s := h.Subscribe("1", r, 0, nil)
	h.Broadcast("1", entry("1", 1))
	r.wait(t, 1)

	h.Unsubscribe(s)
	<-s.Done()
	assert.Equal(t, h.Count("1"), 0)
	h.Broadcast("1", entry("1", 2))
	time.Sleep(20 * time.Millisecond)
	r.mu.Lock()
	assert.Equal(t, len(r.entries), 1)
	r.mu.Unlock()
}

func TestWebhookPostsEntry(t *testing.T) {
	received := make(chan command.ChangeLog, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var e command.ChangeLog
		if err := json.Unmarshal(body, &e); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get("X-Sheetsync-Revision") != "7" || r.Header.Get("X-Sheetsync-Secret") != "s3cret" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- e
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL, "s3cret", time.Second)
	want := command.ChangeLog{DatasheetID: "1", Revision: 7, Command: command.UpdateCellValue{RecordID: "rcd1", FieldID: "text1", Value: "v"}}
	assert.Equal(t, hook.Send(want), nil)
	assert.Equal(t, <-received, want)

	failing := NewWebhook(srv.URL, "", time.Second)
	assert.NotEqual(t, failing.Send(want), nil)
}
