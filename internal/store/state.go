package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/stemsi/exstem-proctor/internal/config"
)

const flagSet = "1"

// Flags is the persisted view of the local session.
type Flags struct {
	ParticipantID string `json:"participant_id,omitempty"`
	Started       bool   `json:"started"`
	Finished      bool   `json:"finished"`
	Disqualified  bool   `json:"disqualified"`
}

// LocalState reads and writes the session flags of one client namespace.
type LocalState struct {
	kv       KV
	clientID string
}

func NewLocalState(kv KV, clientID string) *LocalState {
	return &LocalState{kv: kv, clientID: clientID}
}

// Load returns the persisted flags. Missing keys read as unset.
func (s *LocalState) Load(ctx context.Context) (Flags, error) {
	var f Flags
	pid, err := s.get(ctx, config.CacheKey.ParticipantKey(s.clientID))
	if err != nil {
		return f, err
	}
	f.ParticipantID = pid
	if f.Started, err = s.flag(ctx, config.CacheKey.StartedKey(s.clientID)); err != nil {
		return f, err
	}
	if f.Finished, err = s.flag(ctx, config.CacheKey.FinishedKey(s.clientID)); err != nil {
		return f, err
	}
	if f.Disqualified, err = s.flag(ctx, config.CacheKey.DisqualifiedKey(s.clientID)); err != nil {
		return f, err
	}
	return f, nil
}

// Register clears every flag and stores a new participant.
func (s *LocalState) Register(ctx context.Context, participantID string) error {
	if err := s.Clear(ctx); err != nil {
		return err
	}
	if err := s.kv.Set(ctx, config.CacheKey.ParticipantKey(s.clientID), participantID); err != nil {
		return fmt.Errorf("store participant: %w", err)
	}
	return nil
}

// MarkStarted records that the participant went live.
func (s *LocalState) MarkStarted(ctx context.Context) error {
	if err := s.kv.Set(ctx, config.CacheKey.StartedKey(s.clientID), flagSet); err != nil {
		return fmt.Errorf("store started flag: %w", err)
	}
	return nil
}

// MarkFinished clears the session and sets the finished flag, which keeps
// the participant out of the live phase until a new registration.
func (s *LocalState) MarkFinished(ctx context.Context, disqualified bool) error {
	if err := s.kv.Delete(ctx,
		config.CacheKey.ParticipantKey(s.clientID),
		config.CacheKey.StartedKey(s.clientID),
	); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	if err := s.kv.Set(ctx, config.CacheKey.FinishedKey(s.clientID), flagSet); err != nil {
		return fmt.Errorf("store finished flag: %w", err)
	}
	if disqualified {
		if err := s.kv.Set(ctx, config.CacheKey.DisqualifiedKey(s.clientID), flagSet); err != nil {
			return fmt.Errorf("store disqualified flag: %w", err)
		}
	}
	return nil
}

// Clear removes every flag of the namespace.
func (s *LocalState) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, config.CacheKey.SessionKeys(s.clientID)...); err != nil {
		return fmt.Errorf("clear local state: %w", err)
	}
	return nil
}

func (s *LocalState) get(ctx context.Context, key string) (string, error) {
	v, err := s.kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load %s: %w", key, err)
	}
	return v, nil
}

func (s *LocalState) flag(ctx context.Context, key string) (bool, error) {
	v, err := s.get(ctx, key)
	return v == flagSet, err
}
