package ui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// Command is an action the user asked for from the call screen.
type Command int

const (
	CommandToggleMute Command = iota + 1
	CommandToggleVideo
	CommandHangup
)

func (c Command) String() string {
	switch c {
	case CommandToggleMute:
		return "mute"
	case CommandToggleVideo:
		return "video"
	case CommandHangup:
		return "hangup"
	default:
		return "unknown"
	}
}

// CallView is what the join command drives while a call is up.
type CallView interface {
	Start()
	Commands() <-chan Command
	SetPeerState(identity, state string)
	SetRemoteTracks(identity string, tracks []string)
	SetRemoteMedia(identity string, audio, video bool)
	SetLocalMedia(micOn, videoOn bool)
	Notify(text string)
	Stop()
}

type peerView struct {
	identity string
	state    string
	tracks   []string
	audio    bool
	video    bool
	media    bool // a media_state message has arrived
}

type (
	peerStateMsg struct{ identity, state string }
	tracksMsg    struct {
		identity string
		tracks   []string
	}
	remoteMediaMsg struct {
		identity     string
		audio, video bool
	}
	localMediaMsg struct{ micOn, videoOn bool }
	noteMsg       string
)

const maxNotes = 4

// CallUI is the interactive call screen.
type CallUI struct {
	program  *tea.Program
	model    *callModel
	updates  chan tea.Msg
	commands chan Command
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type callModel struct {
	roomID   string
	identity string
	hasAudio bool
	hasVideo bool
	micOn    bool
	videoOn  bool
	peers    []*peerView
	notes    []string
	spinner  spinner.Model
	started  time.Time
	updates  chan tea.Msg
	commands chan<- Command
	quitting bool
}

// NewCallUI creates the call screen. hasAudio and hasVideo say which local
// media exists, so the key hints only offer what can be toggled.
func NewCallUI(roomID, identity string, hasAudio, hasVideo bool) *CallUI {
	updates := make(chan tea.Msg, 64)
	commands := make(chan Command, 8)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &CallUI{
		model: &callModel{
			roomID:   roomID,
			identity: identity,
			hasAudio: hasAudio,
			hasVideo: hasVideo,
			micOn:    hasAudio,
			videoOn:  hasVideo,
			spinner:  s,
			started:  time.Now(),
			updates:  updates,
			commands: commands,
		},
		updates:  updates,
		commands: commands,
	}
}

// Start starts the UI in a goroutine
func (ui *CallUI) Start() {
	// Inline mode without alt screen keeps earlier output visible.
	ui.program = tea.NewProgram(ui.model)
	ui.wg.Add(1)
	go func() {
		defer ui.wg.Done()
		if _, err := ui.program.Run(); err != nil {
			fmt.Printf("UI error: %v\n", err)
		}
	}()
}

func (ui *CallUI) Commands() <-chan Command { return ui.commands }

func (ui *CallUI) SetPeerState(identity, state string) {
	ui.push(peerStateMsg{identity: identity, state: state})
}

func (ui *CallUI) SetRemoteTracks(identity string, tracks []string) {
	ui.push(tracksMsg{identity: identity, tracks: tracks})
}

func (ui *CallUI) SetRemoteMedia(identity string, audio, video bool) {
	ui.push(remoteMediaMsg{identity: identity, audio: audio, video: video})
}

func (ui *CallUI) SetLocalMedia(micOn, videoOn bool) {
	ui.push(localMediaMsg{micOn: micOn, videoOn: videoOn})
}

func (ui *CallUI) Notify(text string) {
	ui.push(noteMsg(text))
}

func (ui *CallUI) push(msg tea.Msg) {
	select {
	case ui.updates <- msg:
	default:
	}
}

// Stop stops the UI and waits for the terminal to be restored.
func (ui *CallUI) Stop() {
	ui.stopOnce.Do(func() {
		if ui.program != nil {
			ui.program.Quit()
		}
		ui.wg.Wait()
	})
}

func (m *callModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForUpdates())
}

func (m *callModel) listenForUpdates() tea.Cmd {
	return func() tea.Msg {
		return <-m.updates
	}
}

func (m *callModel) command(c Command) {
	select {
	case m.commands <- c:
	default:
	}
}

func (m *callModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "m":
			if m.hasAudio {
				m.command(CommandToggleMute)
			}
		case "v":
			if m.hasVideo {
				m.command(CommandToggleVideo)
			}
		case "q", "ctrl+c":
			m.command(CommandHangup)
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case peerStateMsg:
		m.peer(msg.identity).state = msg.state
	case tracksMsg:
		m.peer(msg.identity).tracks = msg.tracks
	case remoteMediaMsg:
		p := m.peer(msg.identity)
		p.audio, p.video, p.media = msg.audio, msg.video, true
	case localMediaMsg:
		m.micOn, m.videoOn = msg.micOn, msg.videoOn
	case noteMsg:
		m.notes = append(m.notes, string(msg))
		if len(m.notes) > maxNotes {
			m.notes = m.notes[len(m.notes)-maxNotes:]
		}
	default:
		return m, nil
	}
	return m, m.listenForUpdates()
}

func (m *callModel) peer(identity string) *peerView {
	for _, p := range m.peers {
		if p.identity == identity {
			return p
		}
	}
	p := &peerView{identity: identity, state: "joining"}
	m.peers = append(m.peers, p)
	return p
}

func (m *callModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n%s %s  %s\n\n",
		IconCall,
		TitleStyle.Render("Room "+m.roomID),
		MutedStyle.Render(fmt.Sprintf("as %s, %s", m.identity, formatElapsed(time.Since(m.started)))),
	)

	if len(m.peers) == 0 {
		fmt.Fprintf(&b, "%s Waiting for someone to join...\n", m.spinner.View())
	}
	for _, p := range m.peers {
		b.WriteString(renderPeer(p))
		b.WriteByte('\n')
	}

	b.WriteString("\n")
	b.WriteString(m.localLine())
	b.WriteString("\n")

	for _, n := range m.notes {
		b.WriteString(MutedStyle.Render("  " + n))
		b.WriteByte('\n')
	}

	b.WriteString(m.hints())
	b.WriteByte('\n')
	return b.String()
}

func renderPeer(p *peerView) string {
	stateStyle := WarningStyle
	switch {
	case strings.Contains(p.state, "failed"), strings.Contains(p.state, "closed"),
		strings.Contains(p.state, "disconnected"), strings.Contains(p.state, "hung up"):
		stateStyle = ErrorStyle
	case strings.Contains(p.state, "connected"):
		stateStyle = SuccessStyle
	}

	line := fmt.Sprintf("%s %s  %s", IconPeer, BoldStyle.Render(p.identity), stateStyle.Render(p.state))
	if len(p.tracks) > 0 {
		line += MutedStyle.Render("  [" + strings.Join(p.tracks, ", ") + "]")
	}
	if p.media {
		line += "  " + mediaIcons(p.audio, p.video)
	}
	return line
}

func (m *callModel) localLine() string {
	if !m.hasAudio && !m.hasVideo {
		return MutedStyle.Render("You are not sending media.")
	}
	return "You: " + mediaIcons(m.micOn, m.videoOn)
}

func (m *callModel) hints() string {
	var keys []string
	if m.hasAudio {
		keys = append(keys, KeyStyle.Render("m")+" mute")
	}
	if m.hasVideo {
		keys = append(keys, KeyStyle.Render("v")+" video")
	}
	keys = append(keys, KeyStyle.Render("q")+" hang up")
	return MutedStyle.Render(strings.Join(keys, "  "))
}

func mediaIcons(audio, video bool) string {
	mic, cam := IconMic, IconVideo
	if !audio {
		mic = IconMicOff
	}
	if !video {
		cam = IconVideoOff
	}
	return mic + " " + cam
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}
