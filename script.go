package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"orb/action"
	"orb/beep"
	"orb/bus"
	"orb/capture"
	"orb/channel"
	"orb/clock"
	"orb/hotkey"
	"orb/log"
	"orb/settings"
)

// runScript drives the stack from stdin with fakes in place of hardware:
// fake hotkey, fake engine, fake transport. Everything between them is the
// real thing (gesture, machine, registry, channel), so scripted sessions
// exercise the protocol end to end. Outbound frames are echoed to stdout
// prefixed with ">>".
//
// Commands, one per line:
//
//	TAP                    press and release the hotkey
//	HOLD                   hold the hotkey past the long-press threshold
//	SAY <text>             interim transcript from the engine
//	FINAL <text>           committed transcript from the engine
//	ASK <id> <question>    agent asks a question
//	SPEAK <id> <text>      agent speaks a reply
//	CALL <owner> <action> [args...]   agent invokes a capability
//	TURN                   agent turn-complete
//	WAIT [ms]              sleep ms, or wait for the machine to go idle
//	QUIT                   exit
func runScript(store *settings.Store) {
	beep.Disable()

	evBus := bus.New()
	sink := newOrbSink(store, true)
	eng := capture.NewFakeEngine()
	hk := hotkey.NewFake()

	reg := action.NewRegistry()
	sessionReg := registerSession(reg, store)
	defer sessionReg.Remove()

	dialer := channel.NewFakeDialer()
	player := &scriptPlayer{}
	ch := channel.New(channel.Config{
		URL:        "wss://script.local/channel",
		Token:      channel.StaticToken("script"),
		Dialer:     dialer,
		Dispatcher: action.NewDispatch(reg),
		Bus:        evBus,
		Player:     player,
		Status:     sink,
	})
	player.setCompleted(ch.SpeechCompleted)
	if err := ch.Connect(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting: %v\n", err)
		os.Exit(1)
	}
	defer ch.Disconnect()
	for !ch.IsConnected() {
		time.Sleep(5 * time.Millisecond)
	}

	machine := capture.New(capture.Config{
		Engine:   eng,
		Bus:      evBus,
		Settings: store.Settings,
		Prompts:  ch,
		Sink:     sink,
	})
	defer machine.Close()

	gesture := capture.NewGesture(clock.Real(), capture.DefaultLongPress,
		machine.Toggle,
		func() {
			s := store.Settings()
			fmt.Printf("settings: language=%s auto-stop=%s enabled=%v\n",
				s.Language, s.AutoStopTimeout, s.AutoStopEnabled)
		})
	go func() {
		for {
			select {
			case <-hk.Keydown():
				gesture.Press()
			case <-hk.Keyup():
				gesture.Release()
			}
		}
	}()

	// Echo outbound frames as they appear.
	go func() {
		seen := 0
		for {
			time.Sleep(50 * time.Millisecond)
			conn := dialer.Last()
			if conn == nil {
				continue
			}
			frames := conn.Sent()
			for ; seen < len(frames); seen++ {
				fmt.Println(">> " + string(frames[seen]))
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")
		switch cmd {
		case "TAP":
			hk.SimKeydown()
			time.Sleep(30 * time.Millisecond)
			hk.SimKeyup()
		case "HOLD":
			hk.SimKeydown()
			time.Sleep(capture.DefaultLongPress + 150*time.Millisecond)
			hk.SimKeyup()
		case "SAY":
			eng.Interim(rest)
		case "FINAL":
			eng.Final(rest)
		case "ASK":
			id, question, ok := splitTwo(rest)
			if !ok {
				fmt.Println("usage: ASK <id> <question>")
				continue
			}
			serverSend(dialer, channel.EventAskUserQuestion, channel.AskUserQuestion{
				Question:  question,
				RequestID: id,
			})
		case "SPEAK":
			id, text, ok := splitTwo(rest)
			if !ok {
				fmt.Println("usage: SPEAK <id> <text>")
				continue
			}
			serverSend(dialer, channel.EventSpeakAudio, channel.SpeakAudio{
				Message:  text,
				SpeechID: id,
			})
		case "CALL":
			fields := strings.Fields(rest)
			if len(fields) < 2 {
				fmt.Println("usage: CALL <owner> <action> [args...]")
				continue
			}
			args := make([]json.RawMessage, 0, len(fields)-2)
			for _, tok := range fields[2:] {
				args = append(args, scriptArg(tok))
			}
			serverSend(dialer, channel.EventActionCall, channel.ActionCall{
				Action:  fields[1],
				OwnerID: fields[0],
				Args:    args,
			})
		case "TURN":
			serverSend(dialer, channel.EventTurnComplete, struct{}{})
		case "WAIT":
			if rest != "" {
				if ms, err := strconv.Atoi(rest); err == nil {
					time.Sleep(time.Duration(ms) * time.Millisecond)
				}
				continue
			}
			waitIdle(machine)
		case "QUIT":
			log.Info("script: quit")
			return
		default:
			fmt.Println("unknown command: " + cmd)
		}
	}
}

func splitTwo(s string) (first, rest string, ok bool) {
	first, rest, ok = strings.Cut(s, " ")
	rest = strings.TrimSpace(rest)
	return first, rest, ok && first != "" && rest != ""
}

// scriptArg treats valid JSON as-is and quotes anything else, so scripts
// can write bare words for string arguments.
func scriptArg(tok string) json.RawMessage {
	if json.Valid([]byte(tok)) {
		return json.RawMessage(tok)
	}
	quoted, _ := json.Marshal(tok)
	return quoted
}

func serverSend(dialer *channel.FakeDialer, event string, data any) {
	conn := dialer.Last()
	if conn == nil {
		fmt.Println("not connected")
		return
	}
	if err := conn.ServerSend(event, data); err != nil {
		fmt.Printf("inject %s: %v\n", event, err)
	}
}

func waitIdle(m *capture.Machine) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !m.Listening() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	fmt.Println("wait: still listening after 10s")
}

// scriptPlayer stands in for real playback: clips complete instantly so
// scripted conversations advance without audio hardware.
type scriptPlayer struct {
	mu        sync.Mutex
	completed func(speechID string)
}

type scriptClip struct{ done chan struct{} }

func (c *scriptClip) Done() <-chan struct{} { return c.done }
func (c *scriptClip) Stop()                 {}

func (p *scriptPlayer) Play(audio, message, speechID string) channel.Playing {
	c := &scriptClip{done: make(chan struct{})}
	close(c.done)
	if speechID != "" {
		p.mu.Lock()
		completed := p.completed
		p.mu.Unlock()
		if completed != nil {
			completed(speechID)
		}
	}
	return c
}

func (p *scriptPlayer) setCompleted(fn func(string)) {
	p.mu.Lock()
	p.completed = fn
	p.mu.Unlock()
}
