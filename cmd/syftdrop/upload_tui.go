package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	bprogress "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/openmined/syftdrop/internal/progress"
	"github.com/openmined/syftdrop/internal/session"
)

const (
	txtWaiting = "waiting for the server"
	txtHelp    = "Press 'q' or 'Ctrl+C' to cancel."
	barWidth   = 40
)

var (
	titleStyle = cyan.Bold(true)
	helpStyle  = gray
	labelStyle = lightGray.Width(12)
)

type snapshotMsg session.Snapshot

// uploadModel renders one session until nothing more is expected
type uploadModel struct {
	updates        <-chan session.Snapshot
	waitProcessing bool
	title          string

	upload     bprogress.Model
	processing bprogress.Model
	spinner    spinner.Model

	snap     session.Snapshot
	done     bool
	quitting bool
}

func newUploadModel(s *session.Session, updates <-chan session.Snapshot, waitProcessing bool) uploadModel {
	var size uint64
	for _, f := range s.Files {
		size += uint64(f.Size)
	}

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = cyan

	return uploadModel{
		updates:        updates,
		waitProcessing: waitProcessing,
		title:          fmt.Sprintf("Uploading %d file(s), %s", len(s.Files), humanize.Bytes(size)),
		upload:         bprogress.New(bprogress.WithDefaultGradient(), bprogress.WithWidth(barWidth)),
		processing:     bprogress.New(bprogress.WithGradient("#5A56E0", "#EE6FF8"), bprogress.WithWidth(barWidth)),
		spinner:        sp,
		snap:           s.Snapshot(),
	}
}

func waitForSnapshot(ch <-chan session.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-ch
		if !ok {
			return nil
		}
		return snapshotMsg(snap)
	}
}

func (m uploadModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForSnapshot(m.updates))
}

func (m uploadModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit
		}

	case snapshotMsg:
		m.snap = session.Snapshot(msg)
		if finished(m.snap, m.waitProcessing) {
			m.done = true
			return m, tea.Quit
		}
		return m, waitForSnapshot(m.updates)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m uploadModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(m.title) + "\n\n")

	b.WriteString(labelStyle.Render("Upload"))
	b.WriteString(m.upload.ViewAs(m.snap.UploadProgress / 100))
	b.WriteString(gray.Render(fmt.Sprintf("  %d/%d", m.snap.FilesUploaded, m.snap.Files)) + "\n")

	if m.waitProcessing {
		b.WriteString(labelStyle.Render("Processing"))
		if m.snap.Progress == nil {
			b.WriteString(m.spinner.View() + " " + gray.Render(txtWaiting))
		} else {
			b.WriteString(m.processing.ViewAs(m.snap.Percent() / 100))
			b.WriteString("  " + lightGray.Render(m.snap.Step))
		}
		b.WriteString("\n")
	}

	b.WriteString(labelStyle.Render("Connection") + connectionLabel(m.snap.ConnState) + "\n")

	if m.snap.Error != "" && (m.waitProcessing || m.snap.Outcome != session.OutcomeFailed) {
		b.WriteString("\n" + red.Render(m.snap.Error) + "\n")
	}
	if !m.done {
		b.WriteString("\n" + helpStyle.Render(txtHelp) + "\n")
	}
	return b.String()
}

func connectionLabel(state progress.State) string {
	switch state {
	case progress.Connected:
		return green.Render(state.String())
	case progress.Connecting, progress.Reconnecting:
		return yellow.Render(state.String())
	default:
		return gray.Render(state.String())
	}
}

func followTUI(ctx context.Context, out io.Writer, s *session.Session, waitProcessing bool) (session.Snapshot, error) {
	updates, cancel := s.Updates()
	defer cancel()

	p := tea.NewProgram(newUploadModel(s, updates, waitProcessing), tea.WithContext(ctx), tea.WithOutput(out))
	final, err := p.Run()
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return s.Snapshot(), ctx.Err()
		}
		return s.Snapshot(), err
	}

	m := final.(uploadModel)
	if m.quitting {
		return m.snap, errAborted
	}
	return m.snap, nil
}
