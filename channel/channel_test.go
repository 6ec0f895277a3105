package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"orb/bus"
	"orb/clock"
)

type dispatchCall struct {
	action string
	owner  string
	args   []json.RawMessage
}

type stubDispatcher struct {
	mu     sync.Mutex
	calls  []dispatchCall
	result any
	err    error
}

func (d *stubDispatcher) Dispatch(action, owner string, args []json.RawMessage) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{action: action, owner: owner, args: args})
	return d.result, d.err
}

func (d *stubDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type playedClip struct {
	audio    string
	message  string
	speechID string
	clip     *stubClip
}

type stubClip struct {
	done chan struct{}
	once sync.Once
}

func newStubClip() *stubClip {
	return &stubClip{done: make(chan struct{})}
}

func (c *stubClip) Done() <-chan struct{} { return c.done }

func (c *stubClip) Stop() { c.Finish() }

func (c *stubClip) Finish() {
	c.once.Do(func() { close(c.done) })
}

type stubPlayer struct {
	mu       sync.Mutex
	plays    []playedClip
	failNext bool
}

func (p *stubPlayer) Play(audio, message, speechID string) Playing {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		p.failNext = false
		p.plays = append(p.plays, playedClip{audio: audio, message: message, speechID: speechID})
		return nil
	}
	clip := newStubClip()
	p.plays = append(p.plays, playedClip{audio: audio, message: message, speechID: speechID, clip: clip})
	return clip
}

func (p *stubPlayer) playCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.plays)
}

func (p *stubPlayer) play(i int) playedClip {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plays[i]
}

type stubStatus struct {
	mu      sync.Mutex
	replies []string
	busy    []string
	errs    []string
}

func (s *stubStatus) AgentReply(text string) {
	s.mu.Lock()
	s.replies = append(s.replies, text)
	s.mu.Unlock()
}

func (s *stubStatus) AgentBusy(message string) {
	s.mu.Lock()
	s.busy = append(s.busy, message)
	s.mu.Unlock()
}

func (s *stubStatus) AgentError(message string) {
	s.mu.Lock()
	s.errs = append(s.errs, message)
	s.mu.Unlock()
}

func (s *stubStatus) lastReply() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replies) == 0 {
		return ""
	}
	return s.replies[len(s.replies)-1]
}

func (s *stubStatus) busyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.busy)
}

func (s *stubStatus) lastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) == 0 {
		return ""
	}
	return s.errs[len(s.errs)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type testRig struct {
	ch         *Channel
	dialer     *FakeDialer
	dispatcher *stubDispatcher
	player     *stubPlayer
	status     *stubStatus
	bus        *bus.Bus
	clk        *clock.Fake
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	r := &testRig{
		dialer:     NewFakeDialer(),
		dispatcher: &stubDispatcher{},
		player:     &stubPlayer{},
		status:     &stubStatus{},
		bus:        bus.New(),
		clk:        clock.NewFake(),
	}
	r.ch = New(Config{
		URL:        "wss://agent.test/channel",
		Token:      StaticToken("tok-1"),
		Dialer:     r.dialer,
		Dispatcher: r.dispatcher,
		Bus:        r.bus,
		Player:     r.player,
		Clock:      r.clk,
		Status:     r.status,
	})
	t.Cleanup(r.ch.Disconnect)
	return r
}

// connect dials the rig and waits for the session to come up.
func (r *testRig) connect(t *testing.T) *FakeConn {
	t.Helper()
	if err := r.ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connection", r.ch.IsConnected)
	return r.dialer.Last()
}

func sentFrame(t *testing.T, conn *FakeConn, i int) (string, json.RawMessage) {
	t.Helper()
	events, datas, err := conn.SentEvents()
	if err != nil {
		t.Fatalf("SentEvents: %v", err)
	}
	if i >= len(events) {
		t.Fatalf("want frame %d, only %d sent", i, len(events))
	}
	return events[i], datas[i]
}

func TestConnectPresentsBearerToken(t *testing.T) {
	r := newTestRig(t)
	r.connect(t)
	if got := r.dialer.LastToken(); got != "tok-1" {
		t.Fatalf("dial token = %q, want tok-1", got)
	}
	if s := r.ch.State(); s != StateConnected {
		t.Fatalf("state = %v, want connected", s)
	}
}

func TestConnectTwiceIsNoOp(t *testing.T) {
	r := newTestRig(t)
	r.connect(t)
	if err := r.ch.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := r.dialer.Dials(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
}

func TestActionCallDispatchesAndReportsResult(t *testing.T) {
	r := newTestRig(t)
	r.dispatcher.result = map[string]any{"state": "on"}
	conn := r.connect(t)

	err := conn.ServerSend(EventActionCall, ActionCall{
		Action:  "turn_on",
		OwnerID: "lights",
		Args:    []json.RawMessage{json.RawMessage(`"kitchen"`)},
	})
	if err != nil {
		t.Fatalf("ServerSend: %v", err)
	}
	waitFor(t, "action-result", func() bool { return len(conn.Sent()) >= 1 })

	event, data := sentFrame(t, conn, 0)
	if event != EventActionResult {
		t.Fatalf("event = %q, want action-result", event)
	}
	var res ActionResult
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Action != "turn_on" || res.OwnerID != "lights" {
		t.Fatalf("result echoes %s/%s, want turn_on/lights", res.Action, res.OwnerID)
	}
	if !res.Success || res.Error != "" {
		t.Fatalf("result = success=%v error=%q, want clean success", res.Success, res.Error)
	}
	if res.Timestamp != r.clk.Now().UnixMilli() {
		t.Fatalf("timestamp = %d, want %d", res.Timestamp, r.clk.Now().UnixMilli())
	}

	call := r.dispatcher.calls[0]
	if len(call.args) != 1 || string(call.args[0]) != `"kitchen"` {
		t.Fatalf("dispatched args = %v", call.args)
	}
}

func TestActionCallFailureCarriesError(t *testing.T) {
	r := newTestRig(t)
	r.dispatcher.err = errors.New("device offline")
	conn := r.connect(t)

	conn.ServerSend(EventActionCall, ActionCall{Action: "turn_on", OwnerID: "lights"})
	waitFor(t, "action-result", func() bool { return len(conn.Sent()) >= 1 })

	_, data := sentFrame(t, conn, 0)
	var res ActionResult
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Success {
		t.Fatal("failed call reported success")
	}
	if res.Error != "device offline" {
		t.Fatalf("error = %q, want device offline", res.Error)
	}
	if res.Result != nil {
		t.Fatalf("failed call carries result %v", res.Result)
	}
}

func TestFrontendToolEchoesCallID(t *testing.T) {
	r := newTestRig(t)
	r.dispatcher.result = 42
	conn := r.connect(t)

	conn.ServerSend(EventFrontendTool, FrontendTool{
		ToolCallID: "tc-9",
		Action:     "get_state",
		OwnerID:    "thermostat",
	})
	waitFor(t, "frontend-tool-response", func() bool { return len(conn.Sent()) >= 1 })

	event, data := sentFrame(t, conn, 0)
	if event != EventFrontendToolResponse {
		t.Fatalf("event = %q, want frontend-tool-response", event)
	}
	var res FrontendToolResponse
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.ToolCallID != "tc-9" {
		t.Fatalf("toolCallId = %q, want tc-9", res.ToolCallID)
	}
	if !res.Success || res.Action != "get_state" || res.OwnerID != "thermostat" {
		t.Fatalf("response = %+v", res)
	}
}

func TestTurnCompleteSignalsBus(t *testing.T) {
	r := newTestRig(t)
	done, cancel := r.bus.Subscribe(bus.TurnComplete)
	defer cancel()
	conn := r.connect(t)

	conn.ServerSend(EventTurnComplete, nil)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn-complete never reached the bus")
	}
}

func TestSpeakAudioReachesPlayer(t *testing.T) {
	r := newTestRig(t)
	conn := r.connect(t)

	conn.ServerSend(EventSpeakAudio, SpeakAudio{
		Audio:    "QUJD",
		Message:  "the lights are on",
		SpeechID: "s-1",
	})
	waitFor(t, "playback", func() bool { return r.player.playCount() >= 1 })

	p := r.player.play(0)
	if p.audio != "QUJD" || p.message != "the lights are on" || p.speechID != "s-1" {
		t.Fatalf("played %+v", p)
	}
	if r.status.lastReply() != "the lights are on" {
		t.Fatalf("status reply = %q", r.status.lastReply())
	}
}

func TestSpeechCompletedFrame(t *testing.T) {
	r := newTestRig(t)
	conn := r.connect(t)

	r.ch.SpeechCompleted("s-42")
	event, data := sentFrame(t, conn, 0)
	if event != EventSpeechCompleted {
		t.Fatalf("event = %q, want speech-completed", event)
	}
	var msg SpeechCompleted
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.SpeechID != "s-42" || msg.Timestamp == 0 {
		t.Fatalf("frame = %+v", msg)
	}
}

func TestAskUserQuestionCorrelatesNextPrompt(t *testing.T) {
	r := newTestRig(t)
	listen, cancel := r.bus.Subscribe(bus.StartListening)
	defer cancel()
	conn := r.connect(t)

	conn.ServerSend(EventAskUserQuestion, AskUserQuestion{
		Audio:     "QUJD",
		Question:  "Which room?",
		RequestID: "req-1",
	})
	waitFor(t, "question playback", func() bool { return r.player.playCount() >= 1 })
	if p := r.player.play(0); p.speechID != "" {
		t.Fatalf("question played with speech id %q, want none", p.speechID)
	}

	// Listening starts only after the audio drained plus the settle gap.
	r.player.play(0).clip.Finish()
	r.clk.WaitForTimers(1)
	select {
	case <-listen:
		t.Fatal("listening began before the settle gap elapsed")
	default:
	}
	r.clk.Advance(300 * time.Millisecond)
	select {
	case <-listen:
	case <-time.After(2 * time.Second):
		t.Fatal("start-listening never fired")
	}

	if err := r.ch.SendUserPrompt("the kitchen"); err != nil {
		t.Fatalf("SendUserPrompt: %v", err)
	}
	event, data := sentFrame(t, conn, 0)
	if event != EventUserResponse {
		t.Fatalf("event = %q, want user-response", event)
	}
	var res UserResponse
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.RequestID != "req-1" || res.Response != "the kitchen" {
		t.Fatalf("response = %+v", res)
	}

	// The pending slot was consumed; the next utterance is a plain prompt.
	if err := r.ch.SendUserPrompt("and the hallway"); err != nil {
		t.Fatalf("SendUserPrompt: %v", err)
	}
	event, data = sentFrame(t, conn, 1)
	if event != EventUserPrompt {
		t.Fatalf("event = %q, want user-prompt", event)
	}
	var prompt UserPrompt
	if err := json.Unmarshal(data, &prompt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if prompt.Prompt != "and the hallway" {
		t.Fatalf("prompt = %+v", prompt)
	}
}

func TestSecondQuestionTakesOverPendingSlot(t *testing.T) {
	r := newTestRig(t)
	conn := r.connect(t)

	conn.ServerSend(EventAskUserQuestion, AskUserQuestion{Audio: "QUJD", Question: "Which room?", RequestID: "req-1"})
	conn.ServerSend(EventAskUserQuestion, AskUserQuestion{Audio: "QUJD", Question: "Which floor?", RequestID: "req-2"})
	waitFor(t, "both questions", func() bool { return r.player.playCount() >= 2 })

	r.ch.SendUserPrompt("upstairs")
	event, data := sentFrame(t, conn, 0)
	if event != EventUserResponse {
		t.Fatalf("event = %q, want user-response", event)
	}
	var res UserResponse
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.RequestID != "req-2" {
		t.Fatalf("answered %q, want req-2", res.RequestID)
	}
}

func TestFailedQuestionPlaybackStillPends(t *testing.T) {
	r := newTestRig(t)
	r.player.failNext = true
	listen, cancel := r.bus.Subscribe(bus.StartListening)
	defer cancel()
	conn := r.connect(t)

	conn.ServerSend(EventAskUserQuestion, AskUserQuestion{Audio: "!!", Question: "Which room?", RequestID: "req-1"})
	waitFor(t, "playback attempt", func() bool { return r.player.playCount() >= 1 })

	// No clip, no auto-listen; the user can still answer by tapping.
	time.Sleep(20 * time.Millisecond)
	select {
	case <-listen:
		t.Fatal("listening began without a clip")
	default:
	}
	r.ch.SendUserPrompt("the attic")
	event, _ := sentFrame(t, conn, 0)
	if event != EventUserResponse {
		t.Fatalf("event = %q, want user-response", event)
	}
}

func TestAgentBusySurfaces(t *testing.T) {
	r := newTestRig(t)
	conn := r.connect(t)

	conn.ServerSend(EventAgentBusy, AgentBusy{Message: "processing, hold on"})
	waitFor(t, "busy status", func() bool { return r.status.busyCount() >= 1 })
}

func TestAgentResponseSurfaces(t *testing.T) {
	r := newTestRig(t)
	conn := r.connect(t)

	conn.ServerSend(EventAgentResponse, AgentResponse{Success: true, Response: json.RawMessage(`"All done."`)})
	waitFor(t, "agent reply", func() bool { return r.status.lastReply() == "All done." })

	conn.ServerSend(EventAgentResponse, AgentResponse{Success: false, Error: "planner crashed"})
	waitFor(t, "agent error", func() bool { return r.status.lastError() == "planner crashed" })
}

func TestUnknownEventDoesNotStall(t *testing.T) {
	r := newTestRig(t)
	conn := r.connect(t)

	conn.ServerSend("mystery-event", map[string]any{"x": 1})
	conn.ServerSend(EventActionCall, ActionCall{Action: "ping", OwnerID: "sys"})
	waitFor(t, "dispatch after unknown event", func() bool { return r.dispatcher.callCount() >= 1 })
}

func TestReconnectAfterDrop(t *testing.T) {
	r := newTestRig(t)
	conn := r.connect(t)

	conn.ServerClose(errors.New("broken pipe"))
	waitFor(t, "reconnecting state", func() bool { return r.ch.State() == StateReconnecting })

	r.clk.WaitForTimers(1)
	r.clk.Advance(DefaultReconnectDelay)
	waitFor(t, "second connection", func() bool {
		return r.dialer.Dials() == 2 && r.ch.IsConnected()
	})

	next := r.dialer.Last()
	if next == conn {
		t.Fatal("reconnect reused the dead connection")
	}
	next.ServerSend(EventActionCall, ActionCall{Action: "ping", OwnerID: "sys"})
	waitFor(t, "dispatch on new connection", func() bool { return r.dispatcher.callCount() >= 1 })
}

func TestReconnectBudgetAndReset(t *testing.T) {
	r := newTestRig(t)
	r.ch.cfg.MaxReconnectAttempts = 2
	conn := r.connect(t)

	r.dialer.FailNext(-1, errors.New("connection refused"))
	conn.ServerClose(errors.New("broken pipe"))

	for i := 0; i < 2; i++ {
		r.clk.WaitForTimers(1)
		r.clk.Advance(DefaultReconnectDelay)
	}
	waitFor(t, "budget exhausted", func() bool {
		return r.dialer.Dials() == 3 && r.ch.State() == StateDisconnected
	})

	// An explicit Connect starts over with a fresh budget.
	r.dialer.FailNext(0, nil)
	if err := r.ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect after give-up: %v", err)
	}
	waitFor(t, "fresh connection", func() bool {
		return r.dialer.Dials() == 4 && r.ch.IsConnected()
	})
}

func TestDisconnectIsFinal(t *testing.T) {
	r := newTestRig(t)
	r.connect(t)

	r.ch.Disconnect()
	waitFor(t, "disconnected state", func() bool { return r.ch.State() == StateDisconnected })
	time.Sleep(20 * time.Millisecond)
	if got := r.dialer.Dials(); got != 1 {
		t.Fatalf("dials after Disconnect = %d, want 1", got)
	}
	if err := r.ch.Emit(EventUserPrompt, UserPrompt{Prompt: "hello"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Emit after Disconnect = %v, want ErrNotConnected", err)
	}
}

func TestEmitBeforeConnect(t *testing.T) {
	r := newTestRig(t)
	if err := r.ch.Emit(EventUserPrompt, UserPrompt{Prompt: "hello"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Emit = %v, want ErrNotConnected", err)
	}
}
