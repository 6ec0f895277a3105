package speech

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{SampleRate: 16000, Channels: 1, Language: "en-US"}
}

func testChunkBytes() int {
	cfg := testConfig()
	return cfg.SampleRate * cfg.Channels * 2 * chunkMs / 1000
}

// fakeRaw is a scripted wire connection: records sent PCM, replays pushed
// updates, and acks Finalize with finalizeText.
type fakeRaw struct {
	finalizeText string
	sendErr      error

	mu        sync.Mutex
	sent      [][]byte
	finalized bool
	closed    bool
	updates   chan update
}

func newFakeRaw() *fakeRaw {
	return &fakeRaw{updates: make(chan update, 16)}
}

func (f *fakeRaw) Send(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeRaw) Finalize() error {
	f.mu.Lock()
	f.finalized = true
	f.mu.Unlock()
	f.updates <- update{Transcript: f.finalizeText, Final: true, FromFinalize: true}
	return nil
}

func (f *fakeRaw) Recv() (update, error) {
	u, ok := <-f.updates
	if !ok {
		return update{}, errors.New("websocket closed")
	}
	return u, nil
}

func (f *fakeRaw) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.updates)
	}
	return nil
}

func (f *fakeRaw) push(u update) { f.updates <- u }

func (f *fakeRaw) sentChunks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeRaw) sentBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.sent {
		n += len(c)
	}
	return n
}

func (f *fakeRaw) wasFinalized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalized
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func recvResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func drainResults(s Session) {
	go func() {
		for range s.Results() {
		}
	}()
}

func TestSessionChunksAndFlushesTail(t *testing.T) {
	raw := newFakeRaw()
	s := newSession(testConfig(), func() (rawSession, error) { return raw, nil })

	chunk := testChunkBytes()
	s.Feed(make([]byte, chunk/2))
	if got := raw.sentChunks(); got != 0 {
		t.Errorf("sent %d chunks before a full chunk accumulated", got)
	}

	s.Feed(make([]byte, chunk))
	waitFor(t, "first chunk", func() bool { return raw.sentChunks() == 1 })
	if got := len(raw.sent[0]); got != chunk {
		t.Errorf("chunk size = %d, want %d", got, chunk)
	}

	drainResults(s)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got, want := raw.sentBytes(), chunk+chunk/2; got != want {
		t.Errorf("sent %d bytes total, want %d (tail flushed on close)", got, want)
	}
	if !raw.wasFinalized() {
		t.Error("Close should finalize the stream")
	}
}

func TestSessionForwardsInterimAndFinal(t *testing.T) {
	raw := newFakeRaw()
	s := newSession(testConfig(), func() (rawSession, error) { return raw, nil })

	raw.push(update{Transcript: "turn on"})
	raw.push(update{})
	raw.push(update{Transcript: "turn on the lights", Final: true})

	if r := recvResult(t, s.Results()); r.Text != "turn on" || r.Final {
		t.Errorf("first result = %+v, want interim %q", r, "turn on")
	}
	if r := recvResult(t, s.Results()); r.Text != "turn on the lights" || !r.Final {
		t.Errorf("second result = %+v, want final %q", r, "turn on the lights")
	}

	drainResults(s)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSessionFinalizeDeliversFlushedText(t *testing.T) {
	raw := newFakeRaw()
	raw.finalizeText = "pause the song"
	s := newSession(testConfig(), func() (rawSession, error) { return raw, nil })

	var (
		mu   sync.Mutex
		got  []Result
		done = make(chan struct{})
	)
	go func() {
		defer close(done)
		for r := range s.Results() {
			mu.Lock()
			got = append(got, r)
			mu.Unlock()
		}
	}()

	start := time.Now()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= finalizeMax {
		t.Errorf("Close took %v, want well under %v once the finalize is acked", elapsed, finalizeMax)
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Text != "pause the song" || !got[0].Final {
		t.Errorf("results = %+v, want one final %q", got, "pause the song")
	}
}

func TestSessionDialFailure(t *testing.T) {
	dialErr := errors.New("dial tcp: connection refused")
	s := newSession(testConfig(), func() (rawSession, error) { return nil, dialErr })

	s.Feed(make([]byte, testChunkBytes()))

	if err := s.Close(); !errors.Is(err, dialErr) {
		t.Fatalf("Close = %v, want %v", err, dialErr)
	}
	if _, ok := <-s.Results(); ok {
		t.Error("Results should be closed after a failed session")
	}
	if s.Err() == nil {
		t.Error("Err should report the dial failure")
	}
}

func TestSessionDialFailureClosesResults(t *testing.T) {
	dialErr := errors.New("dial tcp: connection refused")
	s := newSession(testConfig(), func() (rawSession, error) { return nil, dialErr })

	// No Close here: a consumer ranging over Results must see it close
	// when the dial fails, or it hangs forever.
	select {
	case _, ok := <-s.Results():
		if ok {
			t.Fatal("unexpected result from a session that never connected")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Results never closed after the dial failed")
	}
	if !errors.Is(s.Err(), dialErr) {
		t.Errorf("Err = %v, want %v", s.Err(), dialErr)
	}
}

func TestSessionConnectionDropClosesResults(t *testing.T) {
	raw := newFakeRaw()
	s := newSession(testConfig(), func() (rawSession, error) { return raw, nil })

	raw.push(update{Transcript: "turn"})
	if r := recvResult(t, s.Results()); r.Text != "turn" {
		t.Fatalf("first result = %+v, want interim %q", r, "turn")
	}

	// Wire dies mid-session with no Close in flight.
	raw.Close()

	select {
	case _, ok := <-s.Results():
		if ok {
			t.Fatal("unexpected result after the connection died")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Results never closed after the connection dropped")
	}
	if s.Err() == nil {
		t.Error("Err should report the dropped connection")
	}
}

func TestSessionSendErrorSurfaces(t *testing.T) {
	raw := newFakeRaw()
	raw.sendErr = errors.New("broken pipe")
	s := newSession(testConfig(), func() (rawSession, error) { return raw, nil })

	s.Feed(make([]byte, testChunkBytes()))

	waitFor(t, "send error", func() bool { return s.Err() != nil })
	drainResults(s)
	if err := s.Close(); err == nil {
		t.Fatal("Close should surface the send error")
	}
}

func TestFakeSessionDriver(t *testing.T) {
	rec := NewFakeRecognizer()
	s, err := rec.Start(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	fs := rec.Last()
	fs.Interim("hel")
	fs.Final("hello")
	s.Feed(make([]byte, 320))

	if r := recvResult(t, s.Results()); r.Text != "hel" || r.Final {
		t.Errorf("got %+v, want interim", r)
	}
	if r := recvResult(t, s.Results()); r.Text != "hello" || !r.Final {
		t.Errorf("got %+v, want final", r)
	}
	if fs.FedBytes() != 320 {
		t.Errorf("FedBytes = %d, want 320", fs.FedBytes())
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-s.Results(); ok {
		t.Error("Results should be closed")
	}
	fs.Interim("late")
}
