package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog    zerolog.Logger
	diagFile   *os.File
	promptFile *os.File
	logMu      sync.Mutex
	logReady   bool
	pid        int
	dir        string
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		if !filepath.IsAbs(flagPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, flagPath), nil
		}
		return flagPath, nil
	}

	// Priority 2: ORB_LOG_PATH environment variable
	envPath := os.Getenv("ORB_LOG_PATH")
	if envPath != "" {
		if !filepath.IsAbs(envPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, envPath), nil
		}
		return envPath, nil
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	promptPath := filepath.Join(dir, "prompt_log.txt")
	promptFile, err = os.OpenFile(promptPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if promptFile != nil {
		promptFile.Close()
		promptFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// PromptText appends a finalized user prompt to the prompt log, one line per
// capture session.
func PromptText(text string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	line := fmt.Sprintf("%s\t[%d]\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, text)
	promptFile.WriteString(line)
}

func ChannelConnected(url string, attempt int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("url", url).
		Int("attempt", attempt).
		Msg("channel_connected")
}

func ChannelClosed(reason string, willRetry bool) {
	if !logReady {
		return
	}
	diagLog.Warn().
		Str("reason", reason).
		Bool("retry", willRetry).
		Msg("channel_closed")
}

func ChannelGaveUp(attempts int) {
	if !logReady {
		return
	}
	diagLog.Error().
		Int("attempts", attempts).
		Msg("channel_gave_up")
}

func DispatchResult(event, action, owner string, ok bool, tookMs float64) {
	if !logReady {
		return
	}
	ev := diagLog.Info()
	if !ok {
		ev = diagLog.Warn()
	}
	ev.Str("event", event).
		Str("action", action).
		Str("owner", owner).
		Bool("ok", ok).
		Float64("took_ms", tookMs).
		Msg("dispatch")
}

func PlaybackStart(clipID, speechID string, durationS float64) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("clip", clipID).
		Str("speech_id", speechID).
		Float64("duration_s", durationS).
		Msg("playback_start")
}

func PlaybackEnd(clipID string, completedSent bool) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("clip", clipID).
		Bool("completed_sent", completedSent).
		Msg("playback_end")
}

func CaptureStart(sessionID, language string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", sessionID).
		Str("language", language).
		Msg("capture_start")
}

func CaptureStop(sessionID, reason string, chars int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", sessionID).
		Str("reason", reason).
		Int("chars", chars).
		Msg("capture_stop")
}

type StreamMetricsData struct {
	ConnectMs    float64
	FinalizeMs   float64
	TotalMs      float64
	AudioS       float64
	SentChunks   int
	SentKB       float64
	RecvMessages int
	RecvFinal    int
}

func StreamMetrics(m StreamMetricsData) {
	if !logReady {
		return
	}
	diagLog.Info().
		Float64("connect_ms", m.ConnectMs).
		Float64("finalize_ms", m.FinalizeMs).
		Float64("total_ms", m.TotalMs).
		Float64("audio_s", m.AudioS).
		Int("sent_chunks", m.SentChunks).
		Float64("sent_kb", m.SentKB).
		Int("recv_messages", m.RecvMessages).
		Int("recv_final", m.RecvFinal).
		Msg("stream_recognition")
}
