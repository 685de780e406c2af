package manager

import (
	"net/http"
	"testing"
	"time"

	"github.com/any-hub/any-fetch/internal/cache"
)

func TestStreamProgressiveDownload(t *testing.T) {
	upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("he"))
		w.(http.Flusher).Flush()
		time.Sleep(20 * time.Millisecond)
		w.Write([]byte("llo"))
	})
	m := newTestManager(t, Config{})

	events, _ := m.Stream(upstream.URL, Options{ProgressiveDownload: true})
	kinds := drain(t, events)

	last := kinds[len(kinds)-1]
	if last.Kind != EventSuccess || string(last.Data) != "hello" || last.Tier != cache.TierNone {
		t.Fatalf("unexpected final event: %+v", last)
	}
	sawPartial := false
	for _, ev := range kinds[:len(kinds)-1] {
		switch ev.Kind {
		case EventPartial:
			sawPartial = true
		case EventProgress:
		default:
			t.Fatalf("unexpected event before final: %s", ev.Kind)
		}
	}
	if !sawPartial {
		t.Fatalf("progressive stream should include partial events")
	}
}

func TestStreamError(t *testing.T) {
	upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	m := newTestManager(t, Config{})

	events, _ := m.Stream(upstream.URL, Options{})
	got := drain(t, events)
	last := got[len(got)-1]
	if last.Kind != EventError || last.Err == nil {
		t.Fatalf("expected final-error, got %+v", last)
	}
}

func TestStreamCancel(t *testing.T) {
	upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	m := newTestManager(t, Config{})

	events, handle := m.Stream(upstream.URL, Options{})
	waitUntil(t, func() bool { return upstream.hits.Load() == 1 })
	handle.Cancel()

	got := drain(t, events)
	if last := got[len(got)-1]; last.Kind != EventCancelled {
		t.Fatalf("expected cancelled event, got %s", last.Kind)
	}
}

func TestStreamRefreshUnchangedClosesAfterPartial(t *testing.T) {
	upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"same"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"same"`)
		w.Write([]byte("body"))
	})
	m := newTestManager(t, Config{})
	fetchSync(t, m, upstream.URL, Options{})

	events, _ := m.Stream(upstream.URL, Options{RefreshCached: true})
	got := drain(t, events)
	if len(got) != 1 || got[0].Kind != EventPartial || string(got[0].Data) != "body" {
		t.Fatalf("expected a single partial event, got %+v", got)
	}
}

func TestStreamMemoryHit(t *testing.T) {
	m := newTestManager(t, Config{})
	m.Store().StoreBytes("https://example.com/x", []byte("x"), false)

	events, _ := m.Stream("https://example.com/x", Options{})
	got := drain(t, events)
	if len(got) != 1 || got[0].Kind != EventSuccess || got[0].Tier != cache.TierMemory {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if len(got) == 0 {
					t.Fatalf("stream closed without events")
				}
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("stream not closed, got %+v", got)
			return nil
		}
	}
}
