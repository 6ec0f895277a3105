// Package channel maintains the WebSocket session with the agent backend:
// one JSON envelope per text frame, inbound events handled in arrival order,
// and a bounded fixed-delay reconnect when the link drops.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"orb/bus"
	"orb/clock"
	"orb/log"
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 3 * time.Second

	// questionListenDelay is the gap between a spoken question draining and
	// the capture machine being told to listen, so the tail of the question
	// is not picked up by the microphone.
	questionListenDelay = 300 * time.Millisecond
)

// ErrNotConnected is returned by Emit when no session is up.
var ErrNotConnected = errors.New("channel: not connected")

// State is the connection lifecycle phase.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// TokenProvider supplies the bearer token presented on dial. It is consulted
// on every attempt so rotated tokens take effect on reconnect.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken returns a provider that always yields tok.
func StaticToken(tok string) TokenProvider {
	return TokenFunc(func(context.Context) (string, error) { return tok, nil })
}

// Dispatcher resolves and invokes one capability call.
type Dispatcher interface {
	Dispatch(action, owner string, args []json.RawMessage) (any, error)
}

// Playing is a clip already handed to the audio device.
type Playing interface {
	Done() <-chan struct{}
	Stop()
}

// Player turns agent audio into sound. A nil Playing means the clip never
// started (bad payload, device failure); the player has already logged why.
type Player interface {
	Play(audioB64, message, speechID string) Playing
}

// StatusSink receives user-visible agent activity for display.
type StatusSink interface {
	AgentReply(text string)
	AgentBusy(message string)
	AgentError(message string)
}

type Config struct {
	URL        string
	Token      TokenProvider
	Dialer     Dialer
	Dispatcher Dispatcher
	Bus        *bus.Bus
	Player     Player
	Clock      clock.Clock
	Status     StatusSink

	// MaxReconnectAttempts bounds the delayed retries after a failure;
	// ReconnectDelay is the fixed wait before each one.
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
}

type Channel struct {
	cfg Config

	mu       sync.Mutex
	state    State
	conn     Conn
	runCtx   context.Context
	runStop  context.CancelFunc
	stopping bool
	gen      int
	pending  string // request_id of the unanswered question, if any

	writeMu sync.Mutex
}

func New(cfg Config) *Channel {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = NewDialer()
	}
	return &Channel{cfg: cfg, state: StateDisconnected}
}

// Connect starts the session. It returns once the attempt is underway; dial
// results and retries surface through State and the logs. Calling it while a
// session is up or being retried is a no-op, and calling it after the retry
// budget ran out starts over with a fresh budget.
func (c *Channel) Connect(ctx context.Context) error {
	if c.cfg.URL == "" {
		return errors.New("channel: no URL configured")
	}
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.stopping = false
	c.gen++
	gen := c.gen
	runCtx, cancel := context.WithCancel(context.Background())
	c.runCtx, c.runStop = runCtx, cancel
	c.mu.Unlock()

	go c.run(runCtx, gen)
	return nil
}

// Disconnect tears the session down for good. No reconnect follows.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected && c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	c.state = StateDisconnected
	conn := c.conn
	c.conn = nil
	cancel := c.runStop
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	log.ChannelClosed("disconnect", false)
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) IsConnected() bool {
	return c.State() == StateConnected
}

// Emit sends one event frame. Writes from concurrent goroutines are
// serialized; interleaved frames would corrupt the stream.
func (c *Channel) Emit(event string, data any) error {
	buf, err := json.Marshal(outEnvelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn, ctx := c.conn, c.runCtx
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(ctx, buf)
}

// SendUserPrompt routes one user utterance to the agent. If a question is
// pending the text answers it as a user-response; otherwise it goes out as a
// plain user-prompt. The pending id is consumed either way, so a stale
// question can never capture a later utterance.
func (c *Channel) SendUserPrompt(text string) error {
	c.mu.Lock()
	pending := c.pending
	c.pending = ""
	c.mu.Unlock()

	log.PromptText(text)
	if pending != "" {
		return c.Emit(EventUserResponse, UserResponse{
			RequestID: pending,
			Response:  text,
			Timestamp: c.now(),
		})
	}
	return c.Emit(EventUserPrompt, UserPrompt{
		Prompt:    text,
		Timestamp: c.now(),
	})
}

// SpeechCompleted tells the agent a clip with the given id is about to
// finish. The playback manager calls this near the end of each tracked clip.
func (c *Channel) SpeechCompleted(speechID string) {
	err := c.Emit(EventSpeechCompleted, SpeechCompleted{
		SpeechID:  speechID,
		Timestamp: c.now(),
	})
	if err != nil {
		log.Warnf("channel: speech-completed for %s not sent: %v", speechID, err)
	}
}

func (c *Channel) now() int64 {
	return c.cfg.Clock.Now().UnixMilli()
}

// alive reports whether the run loop of generation gen should keep going.
func (c *Channel) alive(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.stopping && c.gen == gen
}

func (c *Channel) setState(gen int, s State) {
	c.mu.Lock()
	if c.gen == gen && !c.stopping {
		c.state = s
	}
	c.mu.Unlock()
}

// adopt installs conn as the live connection. A loop superseded by a newer
// Connect or by Disconnect closes the conn instead of installing it.
func (c *Channel) adopt(gen int, conn Conn) bool {
	c.mu.Lock()
	if c.gen != gen || c.stopping {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()
	return true
}

// release drops conn if it is still the live one.
func (c *Channel) release(gen int, conn Conn) {
	c.mu.Lock()
	if c.gen == gen && c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// run owns the connection lifecycle for one Connect: the first dial, the
// read loop, and the delayed redials after a drop, until the budget runs out
// or Disconnect is called.
func (c *Channel) run(ctx context.Context, gen int) {
	conn := c.dialOnce(ctx, gen, 0)
	if conn == nil {
		if !c.alive(gen) {
			return
		}
		log.ChannelClosed("connect failed", true)
		conn = c.redial(ctx, gen)
		if conn == nil {
			return
		}
	}
	for {
		reason := c.readLoop(ctx, conn)
		c.release(gen, conn)
		if !c.alive(gen) {
			return
		}
		log.ChannelClosed(reason, true)
		conn = c.redial(ctx, gen)
		if conn == nil {
			return
		}
	}
}

func (c *Channel) dialOnce(ctx context.Context, gen, attempt int) Conn {
	token := ""
	if c.cfg.Token != nil {
		t, err := c.cfg.Token.Token(ctx)
		if err != nil {
			log.Warnf("channel: token lookup: %v", err)
			return nil
		}
		token = t
	}
	conn, err := c.cfg.Dialer.Dial(ctx, c.cfg.URL, token)
	if err != nil {
		log.Warnf("channel: dial attempt %d: %v", attempt, err)
		return nil
	}
	if !c.adopt(gen, conn) {
		return nil
	}
	log.ChannelConnected(c.cfg.URL, attempt)
	return conn
}

// redial waits the fixed delay and dials again, up to the attempt budget.
// Returns nil once the budget is spent or the session was stopped.
func (c *Channel) redial(ctx context.Context, gen int) Conn {
	c.setState(gen, StateReconnecting)
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		c.cfg.Clock.Sleep(c.cfg.ReconnectDelay)
		if !c.alive(gen) {
			return nil
		}
		if conn := c.dialOnce(ctx, gen, attempt); conn != nil {
			return conn
		}
	}
	log.ChannelGaveUp(c.cfg.MaxReconnectAttempts)
	c.setState(gen, StateDisconnected)
	return nil
}

// readLoop handles frames until the connection dies. Handlers run inline so
// events take effect in exactly the order the agent sent them.
func (c *Channel) readLoop(ctx context.Context, conn Conn) string {
	for {
		data, err := conn.ReadMessage(ctx)
		if err != nil {
			return err.Error()
		}
		c.handle(data)
	}
}

func (c *Channel) handle(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Warnf("channel: unreadable frame: %v", err)
		return
	}
	switch env.Event {
	case EventActionCall:
		c.handleActionCall(env.Data)
	case EventFrontendTool:
		c.handleFrontendTool(env.Data)
	case EventTurnComplete:
		c.handleTurnComplete()
	case EventSpeakAudio:
		c.handleSpeakAudio(env.Data)
	case EventAskUserQuestion:
		c.handleAskUserQuestion(env.Data)
	case EventAgentBusy:
		c.handleAgentBusy(env.Data)
	case EventAgentResponse:
		c.handleAgentResponse(env.Data)
	default:
		log.Warnf("channel: unknown event %q", env.Event)
	}
}

func (c *Channel) handleActionCall(data json.RawMessage) {
	var msg ActionCall
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warnf("channel: bad action-call: %v", err)
		return
	}
	result, took, callErr := c.dispatch(msg.Action, msg.OwnerID, msg.Args)
	log.DispatchResult(EventActionCall, msg.Action, msg.OwnerID, callErr == nil, took)

	res := ActionResult{
		Action:    msg.Action,
		OwnerID:   msg.OwnerID,
		Success:   callErr == nil,
		Result:    result,
		Timestamp: c.now(),
	}
	if callErr != nil {
		res.Error = callErr.Error()
	}
	if err := c.Emit(EventActionResult, res); err != nil {
		log.Warnf("channel: action-result not sent: %v", err)
	}
}

func (c *Channel) handleFrontendTool(data json.RawMessage) {
	var msg FrontendTool
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warnf("channel: bad frontend-tool: %v", err)
		return
	}
	result, took, callErr := c.dispatch(msg.Action, msg.OwnerID, msg.Args)
	log.DispatchResult(EventFrontendTool, msg.Action, msg.OwnerID, callErr == nil, took)

	res := FrontendToolResponse{
		ToolCallID: msg.ToolCallID,
		Action:     msg.Action,
		OwnerID:    msg.OwnerID,
		Success:    callErr == nil,
		Result:     result,
		Timestamp:  c.now(),
	}
	if callErr != nil {
		res.Error = callErr.Error()
	}
	if err := c.Emit(EventFrontendToolResponse, res); err != nil {
		log.Warnf("channel: frontend-tool-response not sent: %v", err)
	}
}

// dispatch runs the call and reports how long it took in milliseconds.
func (c *Channel) dispatch(action, owner string, args []json.RawMessage) (any, float64, error) {
	if c.cfg.Dispatcher == nil {
		return nil, 0, errors.New("no dispatcher configured")
	}
	started := c.cfg.Clock.Now()
	result, err := c.cfg.Dispatcher.Dispatch(action, owner, args)
	return result, float64(c.cfg.Clock.Since(started).Microseconds()) / 1000, err
}

func (c *Channel) handleTurnComplete() {
	if c.cfg.Bus != nil {
		c.cfg.Bus.Publish(bus.TurnComplete)
	}
}

func (c *Channel) handleSpeakAudio(data json.RawMessage) {
	var msg SpeakAudio
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warnf("channel: bad speak-audio: %v", err)
		return
	}
	if c.cfg.Status != nil && msg.Message != "" {
		c.cfg.Status.AgentReply(msg.Message)
	}
	if c.cfg.Player == nil {
		log.Warnf("channel: speak-audio with no player")
		return
	}
	c.cfg.Player.Play(msg.Audio, msg.Message, msg.SpeechID)
}

// handleAskUserQuestion records the question as pending, speaks it, and once
// the audio has drained asks the capture machine to listen for the answer.
// A second question before the first was answered takes over the slot.
func (c *Channel) handleAskUserQuestion(data json.RawMessage) {
	var msg AskUserQuestion
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warnf("channel: bad ask-user-question: %v", err)
		return
	}
	c.mu.Lock()
	if c.pending != "" && c.pending != msg.RequestID {
		log.Warnf("channel: question %s replaces unanswered %s", msg.RequestID, c.pending)
	}
	c.pending = msg.RequestID
	c.mu.Unlock()

	if c.cfg.Status != nil && msg.Question != "" {
		c.cfg.Status.AgentReply(msg.Question)
	}
	if c.cfg.Player == nil {
		return
	}
	// Questions are not tracked speech: no speech_id, no speech-completed.
	clip := c.cfg.Player.Play(msg.Audio, msg.Question, "")
	if clip == nil {
		return
	}
	go func() {
		<-clip.Done()
		c.cfg.Clock.Sleep(questionListenDelay)
		if c.cfg.Bus != nil {
			c.cfg.Bus.Publish(bus.StartListening)
		}
	}()
}

func (c *Channel) handleAgentBusy(data json.RawMessage) {
	var msg AgentBusy
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warnf("channel: bad agent-busy: %v", err)
		return
	}
	log.Warnf("channel: agent busy: %s", msg.Message)
	if c.cfg.Status != nil {
		c.cfg.Status.AgentBusy(msg.Message)
	}
}

func (c *Channel) handleAgentResponse(data json.RawMessage) {
	var msg AgentResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warnf("channel: bad agent-response: %v", err)
		return
	}
	if !msg.Success {
		log.Errorf("channel: agent error: %s", msg.Error)
		if c.cfg.Status != nil {
			c.cfg.Status.AgentError(msg.Error)
		}
		return
	}
	if c.cfg.Status == nil || len(msg.Response) == 0 {
		return
	}
	var text string
	if err := json.Unmarshal(msg.Response, &text); err != nil {
		text = string(msg.Response)
	}
	c.cfg.Status.AgentReply(text)
}
