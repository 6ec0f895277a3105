package speech

import (
	"sync"
	"time"

	"orb/log"
)

const (
	chunkMs      = 200
	finalizeIdle = 200 * time.Millisecond
	finalizeMax  = 1000 * time.Millisecond
	drainMax     = 2 * time.Second
)

// rawSession is the wire-level half of a streaming session: binary PCM out,
// transcript updates in. Implemented by the Deepgram WebSocket and by the
// test fake.
type rawSession interface {
	Send(pcm []byte) error
	Finalize() error
	Recv() (update, error)
	Close() error
}

type update struct {
	Transcript   string
	Final        bool
	FromFinalize bool
}

// session buffers fed PCM into fixed chunks, ships them over a rawSession
// dialed in the background, and forwards transcript updates. The dial runs
// off the caller's path so capture can start the instant the user does.
type session struct {
	chunkBytes  int
	results     chan Result
	resultsOnce sync.Once
	startedAt   time.Time

	ws        rawSession
	connected chan struct{}
	sendDone  chan struct{}
	recvDone  chan struct{}

	finalized     chan struct{}
	finalizedOnce sync.Once

	audioCh    chan []byte
	feedMu     sync.Mutex
	feedBuf    []byte
	feedClosed bool

	mu      sync.Mutex
	err     error
	errOnce sync.Once
	closing bool
	stats   sessionStats
}

type sessionStats struct {
	ConnectDur   time.Duration
	SentChunks   int
	SentBytes    uint64
	RecvMessages int
	RecvFinal    int
}

func newSession(cfg Config, dial func() (rawSession, error)) *session {
	bytesPerSecond := cfg.SampleRate * cfg.Channels * 2
	s := &session{
		chunkBytes: bytesPerSecond * chunkMs / 1000,
		results:    make(chan Result, 16),
		startedAt:  time.Now(),
		connected:  make(chan struct{}),
		sendDone:   make(chan struct{}),
		recvDone:   make(chan struct{}),
		finalized:  make(chan struct{}),
		audioCh:    make(chan []byte, 128),
	}

	go func() {
		connectStart := time.Now()
		ws, err := dial()
		s.mu.Lock()
		s.stats.ConnectDur = time.Since(connectStart)
		s.mu.Unlock()

		if err != nil {
			s.setErr(err)
			close(s.sendDone)
			close(s.recvDone)
			close(s.connected)
			s.closeResults()
			return
		}

		s.ws = ws
		close(s.connected)
		go s.runSender()
		go s.runReceiver()
	}()

	return s
}

func (s *session) Feed(pcm []byte) {
	s.mu.Lock()
	if s.err != nil || s.closing {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if s.feedClosed {
		return
	}
	s.feedBuf = append(s.feedBuf, pcm...)
	for len(s.feedBuf) >= s.chunkBytes {
		chunk := make([]byte, s.chunkBytes)
		copy(chunk, s.feedBuf[:s.chunkBytes])
		s.feedBuf = s.feedBuf[s.chunkBytes:]
		select {
		case s.audioCh <- chunk:
		default:
			// Sender is stuck (dead connection); dropping beats blocking
			// the audio callback.
		}
	}
}

func (s *session) Results() <-chan Result { return s.results }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close flushes buffered audio, asks the service to finalize, drains the
// remaining updates, and closes Results. Safe to call once.
func (s *session) Close() error {
	<-s.connected

	s.mu.Lock()
	if s.err != nil {
		connErr := s.err
		s.mu.Unlock()
		s.feedMu.Lock()
		s.feedBuf = nil
		s.feedClosed = true
		close(s.audioCh)
		s.feedMu.Unlock()
		<-s.sendDone
		<-s.recvDone
		s.closeResults()
		return connErr
	}
	s.mu.Unlock()

	s.feedMu.Lock()
	if len(s.feedBuf) > 0 {
		tail := make([]byte, len(s.feedBuf))
		copy(tail, s.feedBuf)
		s.feedBuf = nil
		select {
		case s.audioCh <- tail:
		default:
		}
	}
	s.feedClosed = true
	close(s.audioCh)
	s.feedMu.Unlock()
	finalizeStart := time.Now()

	<-s.sendDone

	// Wait for the service to acknowledge the finalize, then a brief quiet
	// period so trailing updates land.
	select {
	case <-s.finalized:
		time.Sleep(finalizeIdle)
	case <-time.After(finalizeMax):
	}

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.ws.Close()
	select {
	case <-s.recvDone:
	case <-time.After(drainMax):
		log.Warn("recognition receiver drain timeout")
	}
	s.closeResults()

	s.mu.Lock()
	stats := s.stats
	err := s.err
	s.mu.Unlock()

	bytesPerSecond := float64(s.chunkBytes) * 1000 / chunkMs
	log.StreamMetrics(log.StreamMetricsData{
		ConnectMs:    float64(stats.ConnectDur.Milliseconds()),
		FinalizeMs:   float64(time.Since(finalizeStart).Milliseconds()),
		TotalMs:      float64(time.Since(s.startedAt).Milliseconds()),
		AudioS:       float64(stats.SentBytes) / bytesPerSecond,
		SentChunks:   stats.SentChunks,
		SentKB:       float64(stats.SentBytes) / 1024,
		RecvMessages: stats.RecvMessages,
		RecvFinal:    stats.RecvFinal,
	})
	return err
}

func (s *session) runSender() {
	defer close(s.sendDone)
	for chunk := range s.audioCh {
		if err := s.ws.Send(chunk); err != nil {
			s.setErr(err)
			return
		}
		s.mu.Lock()
		s.stats.SentChunks++
		s.stats.SentBytes += uint64(len(chunk))
		s.mu.Unlock()
	}
	if err := s.ws.Finalize(); err != nil {
		s.setErr(err)
	}
}

func (s *session) runReceiver() {
	defer close(s.recvDone)
	for {
		u, err := s.ws.Recv()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			s.setErr(err)
			s.closeResults()
			return
		}

		if u.FromFinalize {
			s.finalizedOnce.Do(func() { close(s.finalized) })
		}

		s.mu.Lock()
		s.stats.RecvMessages++
		final := u.Final || u.FromFinalize
		if final {
			s.stats.RecvFinal++
		}
		s.mu.Unlock()

		if u.Transcript == "" {
			continue
		}
		select {
		case s.results <- Result{Text: u.Transcript, Final: final}:
		default:
			// Consumer fell behind; dropping an interim is harmless and a
			// dropped final is recovered by the next one.
		}
	}
}

// closeResults closes Results exactly once, whichever of the failure paths
// or Close gets there first. Consumers ranging over Results must not hang on
// a session that died without Close being called.
func (s *session) closeResults() {
	s.resultsOnce.Do(func() { close(s.results) })
}

func (s *session) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		if s.ws != nil {
			s.ws.Close()
		}
	})
}
