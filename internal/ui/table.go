package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	prettytable "github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/BioHazard786/warpcall/internal/utils"
)

// RoomView renders the room box shown after joining, with the members that
// were already present.
func RoomView(roomID, identity string, members []string) string {
	content := fmt.Sprintf("%s Joined room\n\n%s Room ID:   %s\n%s You are:   %s",
		IconSuccess,
		IconCopy, BoldStyle.Foreground(Primary).Render(roomID),
		IconPeer, BoldStyle.Render(identity),
	)
	if len(members) == 0 {
		content += "\n\n" + MutedStyle.Render("Nobody else is here yet. Share the room ID to start a call.")
		return RoomBoxStyle.Render(content)
	}

	rows := make([][]string, 0, len(members))
	for i, m := range members {
		rows = append(rows, []string{fmt.Sprintf("%d", i+1), utils.TruncateString(m, 40)})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("#", "Already here").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return RoomBoxStyle.Render(content + "\n\n" + tbl.Render())
}

// PeerSummary is one remote in the end-of-call summary.
type PeerSummary struct {
	Identity string
	State    string
	Tracks   []string
}

// CallSummary is printed when the call ends.
type CallSummary struct {
	RoomID     string
	Identity   string
	Duration   time.Duration
	Peers      []PeerSummary
	Recordings string
}

// CallSummaryView renders the summary using go-pretty.
func CallSummaryView(s CallSummary) string {
	tw := prettytable.NewWriter()
	tw.SetTitle("Call Summary")
	tw.AppendHeader(prettytable.Row{"Peer", "State", "Tracks"})
	for _, p := range s.Peers {
		tracks := "-"
		if len(p.Tracks) > 0 {
			tracks = strings.Join(p.Tracks, ", ")
		}
		tw.AppendRow(prettytable.Row{utils.TruncateString(p.Identity, 32), p.State, tracks})
	}
	if len(s.Peers) == 0 {
		tw.AppendRow(prettytable.Row{"nobody joined", "-", "-"})
	}
	tw.AppendFooter(prettytable.Row{"Room " + s.RoomID, "as " + s.Identity, utils.FormatTimeDuration(s.Duration)})
	if s.Recordings != "" {
		tw.AppendFooter(prettytable.Row{"Recordings", "", s.Recordings})
	}
	tw.SetStyle(prettytable.StyleRounded)
	tw.Style().Format.Footer = text.FormatDefault
	return tw.Render()
}

func RenderCallSummary(s CallSummary) {
	fmt.Println(CallSummaryView(s))
}
