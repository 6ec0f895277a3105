package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"orb/action"
	"orb/audio"
	"orb/beep"
	"orb/bus"
	"orb/capture"
	"orb/channel"
	"orb/clock"
	"orb/hotkey"
	"orb/log"
	"orb/playback"
	"orb/settings"
	"orb/shutdown"
	"orb/speech"
)

var version = "dev"

// Shutdown targets, set by run once they exist. gracefulShutdown is the only
// process exit path besides startup failures, so signal, TUI quit and q all
// release the same resources.
var (
	shutdownOnce  sync.Once
	activeMachine *capture.Machine
	activeChannel *channel.Channel
	activeStore   *settings.Store
)

func gracefulShutdown() {
	shutdownOnce.Do(func() {
		log.Info("shutting down")
		if activeMachine != nil {
			activeMachine.Close()
		}
		if activeChannel != nil {
			activeChannel.Disconnect()
		}
		if activeStore != nil {
			activeStore.Close()
		}
		log.Close()
		tuiMu.Lock()
		p := tuiProgram
		tuiMu.Unlock()
		if p != nil {
			p.Quit()
		}
		os.Exit(0)
	})
}

func deviceLineText(dev *audio.DeviceInfo) string {
	name := "default device"
	if dev != nil {
		name = dev.Name
		if audio.IsBluetooth(name) {
			name += " (bluetooth)"
		}
	}
	return "mic: " + name
}

// registerSession exposes the client's own state and preferences as
// capabilities under the session owner, so the agent can inspect and adjust
// them over the same protocol it uses for everything else.
func registerSession(reg *action.Registry, store *settings.Store) *action.Registration {
	return reg.Register("session", map[string]action.Func{
		"get_state": func(args []json.RawMessage) (any, error) {
			s := store.Settings()
			return map[string]any{
				"state":             store.State().String(),
				"language":          s.Language,
				"auto_stop_enabled": s.AutoStopEnabled,
				"auto_stop_ms":      s.AutoStopTimeout.Milliseconds(),
			}, nil
		},
		"set_language": func(args []json.RawMessage) (any, error) {
			var lang string
			if err := action.Decode(args, 0, &lang); err != nil {
				return nil, err
			}
			if lang == "" {
				return nil, fmt.Errorf("language must not be empty")
			}
			if err := store.Update(settings.Patch{Language: &lang}); err != nil {
				return nil, err
			}
			tuiSend(SettingsMsg{S: store.Settings()})
			return map[string]any{"language": lang}, nil
		},
		"set_auto_stop": func(args []json.RawMessage) (any, error) {
			var enabled bool
			if err := action.Decode(args, 0, &enabled); err != nil {
				return nil, err
			}
			p := settings.Patch{AutoStopEnabled: &enabled}
			if len(args) > 1 {
				var ms float64
				if err := action.Decode(args, 1, &ms); err != nil {
					return nil, err
				}
				if ms <= 0 {
					return nil, fmt.Errorf("auto-stop timeout must be positive")
				}
				d := time.Duration(ms) * time.Millisecond
				p.AutoStopTimeout = &d
			}
			if err := store.Update(p); err != nil {
				return nil, err
			}
			s := store.Settings()
			tuiSend(SettingsMsg{S: s})
			return map[string]any{
				"auto_stop_enabled": s.AutoStopEnabled,
				"auto_stop_ms":      s.AutoStopTimeout.Milliseconds(),
			}, nil
		},
	})
}

// livePlayer adapts the playback manager to the channel. It converts the
// manager's nil *Clip into a nil interface and keeps the speaking flag up
// while any clip is audible, so overlapping clips do not flicker the orb.
type livePlayer struct {
	mgr  *playback.Manager
	sink *orbSink

	mu     sync.Mutex
	active int
}

func (p *livePlayer) Play(audioB64, message, speechID string) channel.Playing {
	clip := p.mgr.Play(audioB64, message, speechID)
	if clip == nil {
		return nil
	}
	p.mu.Lock()
	p.active++
	if p.active == 1 {
		p.sink.SpeakingChanged(true)
	}
	p.mu.Unlock()
	go func() {
		<-clip.Done()
		p.mu.Lock()
		p.active--
		if p.active == 0 {
			p.sink.SpeakingChanged(false)
		}
		p.mu.Unlock()
	}()
	return clip
}

func run() {
	urlFlag := flag.String("url", "", "Agent channel URL (default: ORB_URL env)")
	langFlag := flag.String("lang", "", "Speech language code, e.g. en-US or nl (default: stored setting)")
	autoStopFlag := flag.Duration("autostop", 0, "Silence auto-stop timeout, e.g. 4s (0 keeps the stored setting)")
	noAutoStopFlag := flag.Bool("noautostop", false, "Disable silence auto-stop")
	deviceFlag := flag.String("device", "", "Use specific capture device by name")
	setupFlag := flag.Bool("setup", false, "Select input device interactively")
	dbFlag := flag.String("db", "", "Settings database path (default: <log dir>/orb.db)")
	logPathFlag := flag.String("logpath", "", "Log directory path (default: OS-specific location, use ./ for current dir)")
	scriptFlag := flag.Bool("script", false, "Headless script mode driven by stdin commands")
	tuiFlag := flag.Bool("tui", true, "Run with terminal UI")
	longPressFlag := flag.Duration("longpress", capture.DefaultLongPress, "Hold duration that opens settings instead of toggling capture")
	profileFlag := flag.String("profile", "", "Start pprof server on addr (e.g. localhost:6060)")
	diagFlag := flag.Bool("diag", false, "Print hotkey and audio diagnostics and exit")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Resolve log directory early
	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)

	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	if *profileFlag != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on http://%s/debug/pprof/\n", *profileFlag)
			if err := http.ListenAndServe(*profileFlag, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}

	if *versionFlag {
		fmt.Printf("orb %s\n", version)
		os.Exit(0)
	}

	if *diagFlag {
		runDiagnostics()
		os.Exit(0)
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}

	dbPath := *dbFlag
	if dbPath == "" {
		dbPath = filepath.Join(log.Dir(), "orb.db")
	}
	store, err := settings.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: could not open settings database: %v\n", err)
		os.Exit(1)
	}
	activeStore = store

	// Flags that change a preference persist it.
	if *langFlag != "" {
		if err := store.Update(settings.Patch{Language: langFlag}); err != nil {
			log.Warnf("persisting language: %v", err)
		}
	}
	if *autoStopFlag > 0 {
		on := true
		if err := store.Update(settings.Patch{AutoStopTimeout: autoStopFlag, AutoStopEnabled: &on}); err != nil {
			log.Warnf("persisting auto-stop: %v", err)
		}
	}
	if *noAutoStopFlag {
		off := false
		if err := store.Update(settings.Patch{AutoStopEnabled: &off}); err != nil {
			log.Warnf("persisting auto-stop: %v", err)
		}
	}

	if *scriptFlag {
		runScript(store)
		store.Close()
		log.Close()
		return
	}

	channelURL := *urlFlag
	if channelURL == "" {
		channelURL = os.Getenv("ORB_URL")
	}
	if channelURL == "" {
		fmt.Fprintln(os.Stderr, "Error: no channel URL (set -url or ORB_URL)")
		os.Exit(1)
	}
	token := os.Getenv("ORB_TOKEN")
	if token == "" {
		log.Warn("ORB_TOKEN not set, connecting without auth")
	}
	dgKey := os.Getenv("DEEPGRAM_API_KEY")
	if dgKey == "" {
		fmt.Fprintln(os.Stderr, "Error: DEEPGRAM_API_KEY not set")
		os.Exit(1)
	}

	ctx, err := audio.NewContext()
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Fprintf(os.Stderr, "Error initializing audio context: %v\n", err)
		os.Exit(1)
	}
	defer ctx.Close()

	selectedDevice := resolveDevice(ctx, *deviceFlag, *setupFlag)

	captureDevice, err := ctx.NewCapture(selectedDevice, audio.CaptureConfig{
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
	})
	if err != nil {
		log.Errorf("capture device init error: %v", err)
		fmt.Fprintf(os.Stderr, "Error initializing capture device: %v\n", err)
		os.Exit(1)
	}
	defer captureDevice.Close()

	if *tuiFlag {
		tuiMu.Lock()
		tuiProgram = NewTUIProgram()
		tuiMu.Unlock()

		go func() {
			if _, err := tuiProgram.Run(); err != nil {
				log.Errorf("TUI error: %v", err)
				os.Exit(1)
			}
			gracefulShutdown()
		}()
	}

	sink := newOrbSink(store, !*tuiFlag)
	b := bus.New()
	reg := action.NewRegistry()
	registerSession(reg, store)

	player := &livePlayer{sink: sink}
	player.mgr = playback.New(playback.NewOutput(), clock.Real(), func(speechID string) {
		if activeChannel != nil {
			activeChannel.SpeechCompleted(speechID)
		}
	})

	ch := channel.New(channel.Config{
		URL:        channelURL,
		Token:      channel.StaticToken(token),
		Dialer:     channel.NewDialer(),
		Dispatcher: action.NewDispatch(reg),
		Bus:        b,
		Player:     player,
		Status:     sink,
	})
	activeChannel = ch

	eng := newLiveEngine(captureDevice, speech.NewDeepgram(dgKey), clock.Real())
	machine := capture.New(capture.Config{
		Engine:   eng,
		Bus:      b,
		Settings: store.Settings,
		Prompts:  ch,
		Sink:     sink,
	})
	activeMachine = machine

	if err := ch.Connect(context.Background()); err != nil {
		log.Errorf("channel connect: %v", err)
	}

	// Mirror the connection state into the TUI.
	go func() {
		last := ""
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			st := ch.State().String()
			if st != last {
				last = st
				tuiSend(ConnStateMsg{Text: st})
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	shutdown.Notify(sigChan)
	go func() {
		<-sigChan
		gracefulShutdown()
	}()

	go beep.Init()

	hk := hotkey.New()
	if err := hk.Register(); err != nil {
		log.Errorf("hotkey register error: %v", err)
		fmt.Fprintf(os.Stderr, "Error registering hotkey: %v\n", err)
		os.Exit(1)
	}
	defer hk.Unregister()

	tuiSend(DeviceLineMsg{Text: deviceLineText(selectedDevice)})
	tuiSend(SettingsMsg{S: store.Settings()})
	log.Infof("orb %s ready, channel %s, mic %s", version, channelURL, captureDevice.DeviceName())

	gesture := capture.NewGesture(clock.Real(), *longPressFlag, machine.Toggle, func() {
		tuiSend(SettingsMsg{S: store.Settings()})
		tuiSend(SettingsPaneMsg{})
	})

	for {
		select {
		case <-hk.Keydown():
			gesture.Press()
		case <-hk.Keyup():
			gesture.Release()
		}
	}
}

func runDiagnostics() {
	if msg, err := hotkey.Diagnose(); err != nil {
		fmt.Printf("hotkey: %v\n", err)
	} else {
		fmt.Printf("hotkey: %s\n", msg)
	}
	ctx, err := audio.NewContext()
	if err != nil {
		fmt.Printf("audio: %v\n", err)
		return
	}
	defer ctx.Close()
	devices, err := ctx.Devices()
	if err != nil {
		fmt.Printf("audio: %v\n", err)
		return
	}
	fmt.Printf("audio: %d capture device(s)\n", len(devices))
	for _, d := range devices {
		note := ""
		if audio.IsBluetooth(d.Name) {
			note = " (bluetooth)"
		}
		fmt.Printf("  %s%s\n", d.Name, note)
	}
}
