package app

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/transcript"
)

const helpText = `Commands:
  <Enter>   start or stop the conversation
  start     start a conversation
  stop      stop the conversation
  history   print this run's transcript
  sessions  list stored session ids
  clear     clear this run's transcript
  reload    reread the config file
  help      show this help
  quit      exit
`

// commandLoop reads one command per line until the input ends, the user
// quits or ctx is cancelled.
func (a *App) commandLoop(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(a.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			slog.Warn("command input failed", "err", err)
		}
	}()

	fmt.Fprint(a.out, "Press Enter to start talking. Type \"help\" for commands.\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := a.handleCommand(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handleCommand executes one command and reports whether the loop should
// end.
func (a *App) handleCommand(ctx context.Context, cmd string) bool {
	if err := a.console.EndTurn(); err != nil {
		slog.Debug("end transcript line", "err", err)
	}
	switch strings.ToLower(cmd) {
	case "":
		if a.ctrl.State() == session.Idle {
			a.start(ctx)
		} else {
			a.ctrl.Stop()
		}
	case "start":
		a.start(ctx)
	case "stop":
		a.ctrl.Stop()
	case "history":
		a.printHistory()
	case "sessions":
		a.printSessions(ctx)
	case "clear":
		a.log.Clear()
		fmt.Fprintln(a.out, "Transcript cleared.")
	case "reload":
		a.reload()
	case "help", "?":
		fmt.Fprint(a.out, helpText)
	case "quit", "exit":
		return true
	default:
		fmt.Fprintf(a.out, "Unknown command %q. Type \"help\" for commands.\n", cmd)
	}
	return false
}

// start begins a session. Failures already reach the user as a status line.
func (a *App) start(ctx context.Context) {
	if err := a.ctrl.Start(ctx); err != nil {
		slog.Debug("start session", "err", err)
	}
}

func (a *App) printHistory() {
	turns := a.log.Turns()
	if len(turns) == 0 {
		fmt.Fprintln(a.out, "Transcript is empty.")
		return
	}
	for _, t := range turns {
		fmt.Fprintf(a.out, "%s %s: %s\n", t.Timestamp.Format("15:04:05"), a.speaker(t.Role), t.Text)
	}
}

func (a *App) printSessions(ctx context.Context) {
	if a.store == nil {
		fmt.Fprintln(a.out, "Transcript persistence is disabled.")
		return
	}
	ids, err := a.store.Sessions(ctx)
	if err != nil {
		fmt.Fprintf(a.out, "Cannot list sessions: %v\n", err)
		return
	}
	for _, id := range ids {
		turns, err := a.store.Turns(ctx, id)
		if err != nil {
			fmt.Fprintf(a.out, "%s (unreadable: %v)\n", id, err)
			continue
		}
		fmt.Fprintf(a.out, "%s (%d turns)\n", id, len(turns))
	}
}

func (a *App) reload() {
	if a.reloader == nil {
		fmt.Fprintln(a.out, "No config file to reload.")
		return
	}
	d, err := a.reloader.Reload()
	if err != nil {
		fmt.Fprintf(a.out, "Config not reloaded: %v\n", err)
		return
	}
	if d.Empty() {
		fmt.Fprintln(a.out, "No configuration changes.")
		return
	}
	if d.LogLevelChanged {
		fmt.Fprintf(a.out, "Log level is now %s.\n", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		fmt.Fprintf(a.out, "Restart to apply: %s\n", strings.Join(d.RestartRequired, ", "))
	}
}

func (a *App) speaker(r transcript.Role) string {
	if r == transcript.RoleUser {
		return "You"
	}
	return a.cfg.Transcript.AgentName
}
