// Package reveal discloses an already complete assistant answer one character at a time, so the chat
// page looks like it is streaming while the upstream API only answers in one piece.
package reveal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/chatai-web/internal/models"
)

// Target receives every revealed prefix. models.Conversation satisfies it.
type Target interface {
	ReplaceLast(role models.Role, content string)
}

// State is the scheduler state.
type State string

const (
	// StateIdle means no reveal is running.
	StateIdle State = "idle"
	// StateRevealing means a job is advancing on every tick.
	StateRevealing State = "revealing"
)

// DefaultInterval is the time between two revealed characters.
const DefaultInterval = 30 * time.Millisecond

// ErrActive is returned by Start while another reveal is running.
var ErrActive = errors.New("reveal already in progress")

// Scheduler runs at most one reveal job at a time against its Target.
type Scheduler struct {
	interval time.Duration
	target   Target

	mu  sync.Mutex
	job *job

	logger *slog.Logger
}

type job struct {
	full   []rune
	cursor int

	stop chan struct{}
	done chan struct{}
}

// New creates an idle scheduler. A non-positive interval falls back to DefaultInterval.
func New(target Target, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		interval: interval,
		target:   target,
		logger:   logger.With(slog.String("module", "reveal")),
	}
}

// Start begins revealing content as an assistant message. Every tick extends the last message of the
// target by one character, starting with a one-character frame; the tick after the last character
// ends the job. The returned channel is closed when the job ends, either completed or cancelled.
// Cancelling ctx has the same effect as calling Cancel.
func (s *Scheduler) Start(ctx context.Context, content string) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.job != nil {
		return nil, ErrActive
	}

	j := &job{
		full: []rune(content),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.job = j

	s.logger.Debug("Reveal started", slog.Int("length", len(j.full)))

	go s.run(ctx, j)

	return j.done, nil
}

// Cancel stops the running job, if any. Once Cancel returns, the target receives no further updates.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked()
}

// Active reports whether a job is running.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.job != nil
}

// State returns the current state.
func (s *Scheduler) State() State {
	if s.Active() {
		return StateRevealing
	}
	return StateIdle
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	defer close(j.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.job == j {
				s.cancelLocked()
			}
			s.mu.Unlock()
			return
		case <-j.stop:
			return
		case <-ticker.C:
			if !s.tick(j) {
				return
			}
		}
	}
}

// tick advances j by one character and reports whether the job is still running. The lock is held
// across the target update, which is what makes Cancel final.
func (s *Scheduler) tick(j *job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.job != j {
		return false
	}

	if j.cursor >= len(j.full) {
		s.job = nil
		s.logger.Debug("Reveal finished", slog.Int("length", len(j.full)))
		return false
	}

	s.target.ReplaceLast(models.RoleAssistant, string(j.full[:j.cursor+1]))
	j.cursor++
	return true
}

func (s *Scheduler) cancelLocked() {
	if s.job == nil {
		return
	}
	s.logger.Debug("Reveal cancelled",
		slog.Int("revealed", s.job.cursor),
		slog.Int("length", len(s.job.full)))
	close(s.job.stop)
	s.job = nil
}
