// Package notify keeps the operator-facing message board. The trading
// engine posts state changes here and the HTTP status server reads them
// back out.
package notify

import (
	"fmt"
	"sync"
	"time"
)

// maxMessages bounds the rolling message log.
const maxMessages = 200

// Message is a single timestamped board entry.
type Message struct {
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Board holds sticky notices and a rolling message log. Safe for
// concurrent use.
type Board struct {
	mu          sync.Mutex
	pauseNotice string
	hoursNotice string
	messages    []Message
}

// NewBoard creates an empty Board.
func NewBoard() *Board {
	return &Board{}
}

// Appendf formats and appends a message to the rolling log.
func (b *Board) Appendf(format string, args ...any) {
	b.Append(fmt.Sprintf(format, args...))
}

// Append adds a message to the rolling log, dropping the oldest entry
// once the log is full.
func (b *Board) Append(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.messages = append(b.messages, Message{Time: time.Now(), Text: text})
	if len(b.messages) > maxMessages {
		b.messages = b.messages[len(b.messages)-maxMessages:]
	}
}

// SetPauseNotice sets the sticky trading-pause notice.
func (b *Board) SetPauseNotice(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pauseNotice = text
}

// ClearPauseNotice clears the trading-pause notice.
func (b *Board) ClearPauseNotice() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pauseNotice = ""
}

// SetHoursNotice sets the sticky outside-trading-hours notice.
func (b *Board) SetHoursNotice(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hoursNotice = text
}

// ClearHoursNotice clears the outside-trading-hours notice.
func (b *Board) ClearHoursNotice() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hoursNotice = ""
}

// Notices returns the current sticky notices. Empty strings mean the
// notice is not active.
func (b *Board) Notices() (pause, hours string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pauseNotice, b.hoursNotice
}

// Snapshot returns a copy of the rolling message log, oldest first.
func (b *Board) Snapshot() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Message, len(b.messages))
	copy(out, b.messages)
	return out
}
