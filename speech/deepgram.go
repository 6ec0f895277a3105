package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

const deepgramListenURL = "wss://api.deepgram.com/v1/listen"

// Deepgram streams PCM to the Deepgram live-listen API over a WebSocket.
type Deepgram struct {
	apiKey string
	model  string
}

func NewDeepgram(apiKey string) *Deepgram {
	return &Deepgram{apiKey: apiKey, model: "nova-3"}
}

func (d *Deepgram) Name() string { return "deepgram" }

// Start opens a session immediately; the WebSocket dial happens in the
// background so the first Feed never waits on the handshake.
func (d *Deepgram) Start(ctx context.Context, cfg Config) (Session, error) {
	if d.apiKey == "" {
		return nil, errors.New("deepgram: missing API key")
	}
	return newSession(cfg, func() (rawSession, error) {
		return d.dial(ctx, cfg)
	}), nil
}

type deepgramStreamResponse struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	SpeechFinal  bool   `json:"speech_final"`
	FromFinalize bool   `json:"from_finalize"`
	Channel      struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type deepgramConn struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func (d *Deepgram) dial(ctx context.Context, cfg Config) (rawSession, error) {
	endpoint, err := url.Parse(deepgramListenURL)
	if err != nil {
		return nil, err
	}

	q := endpoint.Query()
	q.Set("model", d.model)
	q.Set("encoding", "linear16")
	q.Set("interim_results", "true")
	if cfg.SampleRate > 0 {
		q.Set("sample_rate", fmt.Sprintf("%d", cfg.SampleRate))
	}
	if cfg.Channels > 0 {
		q.Set("channels", fmt.Sprintf("%d", cfg.Channels))
	}
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	endpoint.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	streamCtx, cancel := context.WithCancel(ctx)
	conn, _, err := websocket.Dial(streamCtx, endpoint.String(), &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		cancel()
		return nil, err
	}

	return &deepgramConn{conn: conn, ctx: streamCtx, cancel: cancel}, nil
}

func (c *deepgramConn) Send(pcm []byte) error {
	return c.conn.Write(c.ctx, websocket.MessageBinary, pcm)
}

func (c *deepgramConn) Finalize() error {
	return c.conn.Write(c.ctx, websocket.MessageText, []byte(`{"type":"Finalize"}`))
}

func (c *deepgramConn) Recv() (update, error) {
	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		return update{}, err
	}

	var resp deepgramStreamResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return update{}, err
	}

	transcript := ""
	if len(resp.Channel.Alternatives) > 0 {
		transcript = resp.Channel.Alternatives[0].Transcript
	}

	return update{
		Transcript:   strings.TrimSpace(transcript),
		Final:        resp.IsFinal || resp.SpeechFinal,
		FromFinalize: resp.FromFinalize,
	}, nil
}

func (c *deepgramConn) Close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
