package main

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"orb/clipboard"
	"orb/settings"
)

// TUI message types
type ListeningMsg struct{ On bool }
type WaitingMsg struct{ On bool }
type SpeakingMsg struct{ On bool }
type AudioLevelMsg struct{ Level float64 }
type TranscriptMsg struct{ Text string }
type ReplyMsg struct{ Text string }
type NoticeMsg struct{ Text string } // empty text clears
type ConnStateMsg struct{ Text string }
type DeviceLineMsg struct{ Text string }
type SettingsMsg struct{ S settings.Settings }
type SettingsPaneMsg struct{}
type copiedMsg struct{}
type tickMsg time.Time

type orbMode int

const (
	orbIdle orbMode = iota
	orbListening
	orbSpeaking
	orbWaiting
)

type tuiModel struct {
	frame         int
	width, height int

	listening   bool
	waiting     bool
	speaking    bool
	listenFrame int // frame the current session started on

	level      float64
	transcript string
	reply      string
	notice     string
	conn       string
	deviceLine string

	showSettings bool
	settings     settings.Settings

	copied bool
}

var (
	tuiProgram *tea.Program
	tuiMu      sync.Mutex
)

func tuiSend(msg tea.Msg) {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

// Pre-computed pixel styles to avoid allocations in render loop. Index 0 is
// transparent; 1..9 are orb rings inside out; 10..11 are glass highlights.
var orbPalettes = [4][12]string{
	orbIdle:      {"", "195", "153", "111", "75", "69", "63", "61", "60", "237", "255", "249"},
	orbListening: {"", "231", "159", "87", "51", "44", "37", "30", "23", "237", "255", "249"},
	orbSpeaking:  {"", "230", "229", "221", "214", "208", "172", "130", "94", "237", "255", "249"},
	orbWaiting:   {"", "225", "219", "183", "177", "141", "99", "63", "57", "237", "255", "249"},
}

var (
	orbStyles   [4][12]lipgloss.Style
	orbBgStyles [4][12][12]lipgloss.Style
)

func init() {
	for m, palette := range orbPalettes {
		for i, c := range palette {
			if c != "" {
				orbStyles[m][i] = lipgloss.NewStyle().Foreground(lipgloss.Color(c))
			}
		}
		for i, fg := range palette {
			for j, bg := range palette {
				if fg != "" && bg != "" {
					orbBgStyles[m][i][j] = lipgloss.NewStyle().
						Foreground(lipgloss.Color(fg)).
						Background(lipgloss.Color(bg))
				}
			}
		}
	}
}

func NewTUIProgram() *tea.Program {
	m := tuiModel{conn: "connecting"}
	return tea.NewProgram(m, tea.WithAltScreen())
}

func tuiTick() tea.Cmd {
	return tea.Tick(60*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "c":
			if m.transcript != "" {
				text := m.transcript
				return m, func() tea.Msg {
					if err := clipboard.Copy(text); err != nil {
						return NoticeMsg{Text: "copy failed: " + err.Error()}
					}
					return copiedMsg{}
				}
			}
		case "s":
			m.showSettings = !m.showSettings
		}

	case tickMsg:
		m.frame++
		return m, tuiTick()

	case ListeningMsg:
		m.listening = msg.On
		if msg.On {
			m.listenFrame = m.frame
			m.level = 0
			m.notice = ""
		}

	case WaitingMsg:
		m.waiting = msg.On

	case SpeakingMsg:
		m.speaking = msg.On

	case AudioLevelMsg:
		if m.listening {
			m.level = m.level*0.6 + msg.Level*0.4
		}

	case TranscriptMsg:
		m.transcript = msg.Text
		m.copied = false

	case ReplyMsg:
		m.reply = msg.Text

	case NoticeMsg:
		m.notice = msg.Text

	case ConnStateMsg:
		m.conn = msg.Text

	case DeviceLineMsg:
		m.deviceLine = msg.Text

	case SettingsMsg:
		m.settings = msg.S

	case SettingsPaneMsg:
		m.showSettings = !m.showSettings

	case copiedMsg:
		m.copied = true
	}
	return m, nil
}

func (m tuiModel) mode() orbMode {
	switch {
	case m.listening:
		return orbListening
	case m.speaking:
		return orbSpeaking
	case m.waiting:
		return orbWaiting
	}
	return orbIdle
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	const orbWidth = 42
	mode := m.mode()
	level := m.level
	if !m.listening {
		level = 0
	}

	orb := renderOrb(m.frame, level, mode)

	var infoLines []string

	// Status line
	switch mode {
	case orbListening:
		secs := float64(m.frame-m.listenFrame) * 0.06
		status := lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			Render(fmt.Sprintf("● listening %.1fs", secs))
		infoLines = append(infoLines, status)
	case orbSpeaking:
		infoLines = append(infoLines, lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Render("▶ speaking"))
	case orbWaiting:
		infoLines = append(infoLines, lipgloss.NewStyle().
			Foreground(lipgloss.Color("141")).
			Render("… waiting for agent"))
	default:
		infoLines = append(infoLines, lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Render("○ standby"))
	}

	// Notice line
	if m.notice != "" {
		infoLines = append(infoLines, lipgloss.NewStyle().
			Foreground(lipgloss.Color("208")).
			Render("  ⚠ "+m.notice))
	}

	// Connection line
	if m.conn != "" {
		connStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
		if m.conn != "connected" {
			connStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
		}
		infoLines = append(infoLines, connStyle.Render("⇅ "+m.conn))
	}

	// Device line
	if m.deviceLine != "" {
		infoLines = append(infoLines, lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Render(m.deviceLine))
	}

	infoLines = append(infoLines, "")

	// Help line with version
	helpStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	boldStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	infoLines = append(infoLines,
		boldStyle.Render("Ctrl+Shift+Space")+helpStyle.Render(" tap to talk, hold for settings"))
	infoLines = append(infoLines, helpStyle.Render("c copy · q quit · orb "+version))

	for _, line := range infoLines {
		orb += line + "\n"
	}

	orbLines := strings.Split(orb, "\n")

	rightWidth := m.width - orbWidth - 1
	if rightWidth < 20 {
		rightWidth = 20
	}
	wrapWidth := rightWidth - 2
	if wrapWidth < 10 {
		wrapWidth = 10
	}

	var right strings.Builder

	if m.showSettings {
		right.WriteString(renderSettingsPane(m.settings) + "\n")
	}

	if m.transcript != "" {
		right.WriteString(lipgloss.NewStyle().
			Foreground(lipgloss.Color("246")).
			Render("you") + "\n")
		textStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
		lines := wrapText(m.transcript, wrapWidth)
		for i, line := range lines {
			right.WriteString(textStyle.Render(line))
			if i == len(lines)-1 && m.copied {
				right.WriteString(" " + lipgloss.NewStyle().
					Foreground(lipgloss.Color("42")).
					Render("[✓ copied]"))
			}
			right.WriteString("\n")
		}
		right.WriteString("\n")
	}

	if m.reply != "" {
		right.WriteString(lipgloss.NewStyle().
			Foreground(lipgloss.Color("246")).
			Render("agent") + "\n")
		replyStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
		for _, line := range wrapText(m.reply, wrapWidth) {
			right.WriteString(replyStyle.Render(line) + "\n")
		}
	}

	if m.transcript == "" && m.reply == "" && !m.showSettings {
		right.WriteString(lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Render("Say something"))
	}

	rightPanel := lipgloss.NewStyle().
		Width(rightWidth).
		Height(m.height).
		PaddingLeft(1).
		Render(right.String())

	// Pad orb panel to full height (orb at top)
	orbPadded := make([]string, m.height)
	for i := range orbPadded {
		if i < len(orbLines) {
			orbPadded[i] = orbLines[i]
		} else {
			orbPadded[i] = strings.Repeat(" ", orbWidth-1)
		}
	}

	orbPanel := lipgloss.NewStyle().
		Width(orbWidth - 1).
		Height(m.height).
		Render(strings.Join(orbPadded, "\n"))

	return lipgloss.JoinHorizontal(lipgloss.Top, orbPanel, rightPanel)
}

func renderSettingsPane(s settings.Settings) string {
	lang := s.Language
	if lang == "" {
		lang = settings.DefaultLanguage
	}
	autoStop := "off"
	if s.AutoStopEnabled {
		autoStop = fmt.Sprintf("%.1fs", s.AutoStopTimeout.Seconds())
	}
	body := fmt.Sprintf("settings\n\nlanguage   %s\nauto-stop  %s", lang, autoStop)
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("63")).
		Padding(0, 1).
		Render(body)
}

func renderOrb(frame int, level float64, mode orbMode) string {
	const charsW = 40
	const charsH = 14
	const pixW = charsW
	const pixH = charsH * 2

	centerX := float64(pixW) / 2
	centerY := float64(pixH) / 2

	// State-reactive breathing
	var breathe float64
	switch mode {
	case orbListening:
		breathe = math.Sin(float64(frame)*0.10)*0.03 + level*8.0 - 0.04
	case orbSpeaking:
		breathe = math.Sin(float64(frame)*0.18) * 0.06
	case orbWaiting:
		breathe = math.Sin(float64(frame)*0.05) * 0.04
	default:
		breathe = math.Sin(float64(frame)*0.08)*0.02 - 0.05
	}

	pixels := make([][]int, pixH)
	for i := range pixels {
		pixels[i] = make([]int, pixW)
	}

	type ring struct {
		radius     float64
		breatheAmt float64
		colorIdx   int
	}

	rings := []ring{
		{1.2, 0.10, 1},
		{2.4, 0.20, 2},
		{3.6, 0.50, 3}, // middle rings: high reactivity
		{4.8, 0.60, 4},
		{6.0, 0.50, 5},
		{7.2, 0.30, 6},
		{8.4, 0.15, 7},
		{9.6, 0.05, 8},
		{11.0, 0.0, 9},
	}

	for y := 0; y < pixH; y++ {
		for x := 0; x < pixW; x++ {
			dx := float64(x) - centerX
			dy := float64(y) - centerY
			dist := math.Sqrt(dx*dx + dy*dy)
			for _, r := range rings {
				radius := r.radius + breathe*r.breatheAmt*20
				if radius > 11.0 {
					radius = 11.0
				}
				if dist < radius {
					pixels[y][x] = r.colorIdx
					break
				}
			}
		}
	}

	// Glass highlight, upper left
	type spot struct {
		ox, oy float64
		radius float64
		color  int
	}
	spots := []spot{
		{-3.6, -6.2, 1.0, 10},
		{-2.6, -5.0, 0.5, 11},
	}
	for y := 0; y < pixH; y++ {
		for x := 0; x < pixW; x++ {
			px := float64(x) - centerX
			py := float64(y) - centerY
			for _, s := range spots {
				dx := px - s.ox
				dy := py - s.oy
				if dx*dx/4.0+dy*dy < s.radius*s.radius {
					pixels[y][x] = s.color
				}
			}
		}
	}

	styles := &orbStyles[mode]
	bgStyles := &orbBgStyles[mode]

	var result strings.Builder
	for cy := 0; cy < charsH; cy++ {
		for cx := 0; cx < charsW; cx++ {
			topY := cy * 2
			botY := cy*2 + 1
			top := 0
			bot := 0
			if topY < pixH {
				top = pixels[topY][cx]
			}
			if botY < pixH {
				bot = pixels[botY][cx]
			}
			if top == 0 && bot == 0 {
				result.WriteString(" ")
			} else if top == bot {
				result.WriteString(styles[top].Render("█"))
			} else if top != 0 && bot == 0 {
				result.WriteString(styles[top].Render("▀"))
			} else if top == 0 && bot != 0 {
				result.WriteString(styles[bot].Render("▄"))
			} else {
				result.WriteString(bgStyles[top][bot].Render("▀"))
			}
		}
		result.WriteString("\n")
	}
	return result.String()
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		// Find last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
