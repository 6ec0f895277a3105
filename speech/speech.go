// Package speech turns a live PCM stream into interim and final transcript
// fragments via a streaming recognition service.
package speech

import "context"

// Result is one recognition update. A final result is a committed fragment
// the caller appends; an interim result is the in-progress utterance text
// and replaces the previous interim.
type Result struct {
	Text  string
	Final bool
}

// Config describes the audio fed to a session.
type Config struct {
	SampleRate int
	Channels   int
	Language   string
}

// Recognizer opens streaming recognition sessions.
type Recognizer interface {
	Name() string
	Start(ctx context.Context, cfg Config) (Session, error)
}

// Session is one live recognition stream. Feed never blocks on the network;
// audio is chunked and sent by a background sender. Results is closed when
// the session ends; check Err afterwards to distinguish failure from a
// normal close.
type Session interface {
	Feed(pcm []byte)
	Results() <-chan Result
	Err() error
	Close() error
}
