package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/npezzotti/go-uzzap/internal/roomsync"
	"github.com/npezzotti/go-uzzap/internal/session"
	"github.com/npezzotti/go-uzzap/internal/types"
)

var (
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#e4e4ec")).Bold(true)
	regionStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#c8a84c")).Bold(true)
	textStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#c0c4d0"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#8890a0"))
	faintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#505868"))
	onlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#4ade80"))
	selfStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#34d474")).Bold(true)
	senderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#e4e4ec")).Bold(true)
	unreadStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#c8a84c")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#f87171")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#4ade80")).Bold(true)
)

const timeLayout = "15:04"

func renderView(w io.Writer, v roomsync.View) {
	if v.Query != "" {
		fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("%d rooms matching %q", v.Total, v.Query)))
	}

	for _, g := range v.Groups {
		marker := "▸"
		if g.Expanded {
			marker = "▾"
		}
		fmt.Fprintf(w, "%s %s %s\n", faintStyle.Render(marker), regionStyle.Render(g.Title), dimStyle.Render("("+strconv.Itoa(len(g.Rooms))+")"))
		if !g.Expanded {
			continue
		}
		for _, e := range g.Rooms {
			fmt.Fprintln(w, "  "+renderRoomLine(e))
		}
	}
}

func renderTab(w io.Writer, tab roomsync.Tab, rooms []types.RoomEntry) {
	fmt.Fprintln(w, regionStyle.Render(strings.ToUpper(string(tab))))
	if len(rooms) == 0 {
		fmt.Fprintln(w, dimStyle.Render("  no rooms"))
		return
	}
	for _, e := range rooms {
		fmt.Fprintln(w, "  "+renderRoomLine(e))
	}
}

func renderRoomLine(e types.RoomEntry) string {
	var b strings.Builder

	b.WriteString(textStyle.Render(e.Name))
	if e.Province != "" {
		b.WriteString(" " + dimStyle.Render(e.Province))
	}
	b.WriteString(" " + faintStyle.Render(e.Id))

	if e.Participants > 0 {
		b.WriteString(" " + onlineStyle.Render("● "+strconv.Itoa(e.Participants)))
	}
	if e.UnreadCount > 0 {
		b.WriteString(" " + unreadStyle.Render("+"+strconv.Itoa(e.UnreadCount)))
	}
	if e.HasActivity && e.LastMessage != "" {
		b.WriteString(" " + dimStyle.Render(e.LastMessageTime.Local().Format(timeLayout)+" "+e.LastMessage))
	}

	return b.String()
}

func renderRoomHeader(w io.Writer, room types.Room) {
	fmt.Fprintln(w, titleStyle.Render(room.Header()))
	if room.Description != "" {
		fmt.Fprintln(w, dimStyle.Render(room.Description))
	}
	fmt.Fprintln(w, faintStyle.Render("type a message and press enter, /quit to leave"))
}

func renderEntry(e types.Entry) string {
	sender := senderStyle.Render(e.Sender + ":")
	if e.IsCurrentUser {
		sender = selfStyle.Render(e.Sender + ":")
	}
	return fmt.Sprintf("%s %s %s", faintStyle.Render("["+e.CreatedAt.Local().Format(timeLayout)+"]"), sender, textStyle.Render(e.Text))
}

func renderOnline(n int) string {
	return onlineStyle.Render(fmt.Sprintf("● %d online", n))
}

func renderBuddies(w io.Writer, buddies []types.Buddy) {
	for _, b := range buddies {
		status := dimStyle.Render(string(b.Status))
		if b.Status == types.StatusOnline {
			status = onlineStyle.Render(string(b.Status))
		}
		fmt.Fprintf(w, "%s %s\n", textStyle.Render(b.Username), status)
	}
}

func renderIdentity(w io.Writer, ident session.Identity) {
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render(ident.Username), faintStyle.Render(ident.UserId))
}

// printNotifier writes notifications to the terminal.
type printNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

func newPrintNotifier(w io.Writer) *printNotifier {
	return &printNotifier{w: w}
}

func (p *printNotifier) Notify(n roomsync.Notification) {
	style := successStyle
	if n.Variant == roomsync.VariantDestructive {
		style = errorStyle
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s %s\n", style.Render(n.Title+":"), textStyle.Render(n.Description))
}
