package transcript

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Console prints the transcript as a chat log. User turns are printed as
// complete lines prefixed with "You: "; agent turns are prefixed with the
// agent's name and streamed: repeated writes of the same turn print only the
// newly appended text.
type Console struct {
	w         io.Writer
	agentName string

	mu      sync.Mutex
	openID  string
	printed string
}

// NewConsole returns a console transcript writing to w.
func NewConsole(w io.Writer, agentName string) *Console {
	if agentName == "" {
		agentName = "Agent"
	}
	return &Console{w: w, agentName: agentName}
}

// WriteTurn implements [Sink].
func (c *Console) WriteTurn(_ context.Context, t Turn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.Role == RoleAgent && t.ID == c.openID && strings.HasPrefix(t.Text, c.printed) {
		suffix := t.Text[len(c.printed):]
		c.printed = t.Text
		if suffix == "" {
			return nil
		}
		_, err := io.WriteString(c.w, suffix)
		return err
	}

	if err := c.endLineLocked(); err != nil {
		return err
	}

	switch t.Role {
	case RoleUser:
		_, err := fmt.Fprintf(c.w, "You: %s\n", t.Text)
		return err
	default:
		c.openID = t.ID
		c.printed = t.Text
		_, err := fmt.Fprintf(c.w, "%s: %s", c.agentName, t.Text)
		return err
	}
}

// EndTurn terminates a streamed agent line, if one is open.
func (c *Console) EndTurn() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endLineLocked()
}

func (c *Console) endLineLocked() error {
	if c.openID == "" {
		return nil
	}
	c.openID = ""
	c.printed = ""
	_, err := io.WriteString(c.w, "\n")
	return err
}
