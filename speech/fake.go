package speech

import (
	"context"
	"sync"
)

// FakeRecognizer hands out scripted sessions for tests and script mode.
// Driver methods on FakeSession push results as if the service sent them.
type FakeRecognizer struct {
	mu       sync.Mutex
	startErr error
	sessions []*FakeSession
	configs  []Config
}

func NewFakeRecognizer() *FakeRecognizer { return &FakeRecognizer{} }

func (f *FakeRecognizer) Name() string { return "fake" }

// FailStart makes subsequent Start calls return err.
func (f *FakeRecognizer) FailStart(err error) {
	f.mu.Lock()
	f.startErr = err
	f.mu.Unlock()
}

func (f *FakeRecognizer) Start(_ context.Context, cfg Config) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	s := NewFakeSession()
	f.sessions = append(f.sessions, s)
	f.configs = append(f.configs, cfg)
	return s, nil
}

// Last returns the most recently started session, or nil.
func (f *FakeRecognizer) Last() *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

// LastConfig returns the config of the most recently started session.
func (f *FakeRecognizer) LastConfig() Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.configs) == 0 {
		return Config{}
	}
	return f.configs[len(f.configs)-1]
}

type FakeSession struct {
	results chan Result

	mu       sync.Mutex
	err      error
	closed   bool
	fedBytes int
}

func NewFakeSession() *FakeSession {
	return &FakeSession{results: make(chan Result, 16)}
}

func (s *FakeSession) Feed(pcm []byte) {
	s.mu.Lock()
	s.fedBytes += len(pcm)
	s.mu.Unlock()
}

func (s *FakeSession) Results() <-chan Result { return s.results }

func (s *FakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.results)
	}
	return s.err
}

// Interim pushes an in-progress transcript update.
func (s *FakeSession) Interim(text string) { s.push(Result{Text: text}) }

// Final pushes a committed transcript fragment.
func (s *FakeSession) Final(text string) { s.push(Result{Text: text, Final: true}) }

// Fail ends the stream with err, as a dropped connection would.
func (s *FakeSession) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.results)
}

// FedBytes reports how much PCM the session has received.
func (s *FakeSession) FedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fedBytes
}

func (s *FakeSession) push(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.results <- r
}
