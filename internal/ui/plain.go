package ui

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
)

var (
	_ CallView = (*CallUI)(nil)
	_ CallView = (*PlainUI)(nil)
)

// PlainUI is the line-oriented call view used when stdout is not a terminal
// or --plain is given. Commands are read one per line from in.
type PlainUI struct {
	in       io.Reader
	out      io.Writer
	commands chan Command

	mu sync.Mutex
}

func NewPlainUI(in io.Reader, out io.Writer) *PlainUI {
	return &PlainUI{in: in, out: out, commands: make(chan Command, 8)}
}

// ParseCommand maps an input line to a command.
func ParseCommand(line string) (Command, bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "m", "mute":
		return CommandToggleMute, true
	case "v", "video":
		return CommandToggleVideo, true
	case "q", "quit", "hangup", "bye":
		return CommandHangup, true
	default:
		return 0, false
	}
}

// Start reads commands until in is exhausted. End of input hangs up.
func (p *PlainUI) Start() {
	go func() {
		scanner := bufio.NewScanner(p.in)
		for scanner.Scan() {
			cmd, ok := ParseCommand(scanner.Text())
			if !ok {
				if strings.TrimSpace(scanner.Text()) != "" {
					p.printf("unknown command %q (m, v, q)", scanner.Text())
				}
				continue
			}
			p.commands <- cmd
			if cmd == CommandHangup {
				return
			}
		}
		p.commands <- CommandHangup
	}()
}

func (p *PlainUI) Commands() <-chan Command { return p.commands }

func (p *PlainUI) SetPeerState(identity, state string) {
	p.printf("%s: %s", identity, state)
}

func (p *PlainUI) SetRemoteTracks(identity string, tracks []string) {
	if len(tracks) == 0 {
		p.printf("%s: no tracks", identity)
		return
	}
	p.printf("%s: tracks %s", identity, strings.Join(tracks, ", "))
}

func (p *PlainUI) SetRemoteMedia(identity string, audio, video bool) {
	p.printf("%s: audio=%s video=%s", identity, onOff(audio), onOff(video))
}

func (p *PlainUI) SetLocalMedia(micOn, videoOn bool) {
	p.printf("you: audio=%s video=%s", onOff(micOn), onOff(videoOn))
}

func (p *PlainUI) Notify(text string) {
	p.printf("%s", text)
}

func (p *PlainUI) Stop() {}

func (p *PlainUI) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
