// Package answer persists working answers, one save in flight per question.
package answer

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/logger"
)

// ErrSubmitting is returned for saves attempted while a submission is in
// progress.
var ErrSubmitting = errors.New("answer: submission in progress")

// Gateway stores an answer on the server.
type Gateway interface {
	SaveAnswer(ctx context.Context, participantID, questionID, value string) error
}

// Gate reports whether saves must be refused.
type Gate interface {
	Submitting() bool
}

// Observer is notified of every save outcome.
type Observer interface {
	ObserveSave(err error)
}

// slot serializes saves for one question. seq is the latest requested save;
// a queued save whose number is behind seq is superseded and skipped.
type slot struct {
	mu    sync.Mutex
	seq   uint64
	value string
}

// Saver persists answers. Saves for different questions run concurrently;
// saves for the same question run one at a time and the last requested
// value is what ends up on the server.
type Saver struct {
	gw       Gateway
	gate     Gate
	observer Observer
	log      zerolog.Logger

	mu    sync.Mutex
	slots map[string]*slot
	seqs  map[string]uint64
}

// NewSaver creates a Saver. observer may be nil.
func NewSaver(gw Gateway, gate Gate, observer Observer, log zerolog.Logger) *Saver {
	return &Saver{
		gw:       gw,
		gate:     gate,
		observer: observer,
		log:      logger.Component(log, "answer_saver"),
		slots:    make(map[string]*slot),
		seqs:     make(map[string]uint64),
	}
}

// Save persists value for questionID. It blocks until the save, or a
// newer save that superseded it, has finished. A superseded save returns
// nil without reaching the server.
func (s *Saver) Save(ctx context.Context, participantID, questionID, value string) error {
	if s.gate.Submitting() {
		return ErrSubmitting
	}

	s.mu.Lock()
	sl, ok := s.slots[questionID]
	if !ok {
		sl = &slot{}
		s.slots[questionID] = sl
	}
	s.seqs[questionID]++
	seq := s.seqs[questionID]
	s.mu.Unlock()

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if s.latest(questionID) != seq {
		s.log.Debug().Str("question_id", questionID).Uint64("seq", seq).Msg("save superseded")
		return nil
	}
	if s.gate.Submitting() {
		return ErrSubmitting
	}

	err := s.gw.SaveAnswer(ctx, participantID, questionID, value)
	if s.observer != nil {
		s.observer.ObserveSave(err)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("question_id", questionID).Msg("answer save failed")
		return err
	}
	sl.seq = seq
	sl.value = value
	return nil
}

func (s *Saver) latest(questionID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqs[questionID]
}

// Saved returns the last value confirmed by the server for questionID.
func (s *Saver) Saved(questionID string) (string, bool) {
	s.mu.Lock()
	sl, ok := s.slots[questionID]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.value, sl.seq > 0
}
