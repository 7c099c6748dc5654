package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ParticipantKey returns the key holding the registered participant ID
func (r *CacheKeyStruct) ParticipantKey(clientID string) string {
	return fmt.Sprintf("proctor:%s:participant_id", clientID)
}

// StartedKey returns the key of the flag set once the participant went live
func (r *CacheKeyStruct) StartedKey(clientID string) string {
	return fmt.Sprintf("proctor:%s:started", clientID)
}

// FinishedKey returns the key of the flag set once the session terminated
func (r *CacheKeyStruct) FinishedKey(clientID string) string {
	return fmt.Sprintf("proctor:%s:finished", clientID)
}

// DisqualifiedKey returns the key of the flag set when the session ended in disqualification
func (r *CacheKeyStruct) DisqualifiedKey(clientID string) string {
	return fmt.Sprintf("proctor:%s:disqualified", clientID)
}

// SessionKeys returns every key owned by a client namespace.
func (r *CacheKeyStruct) SessionKeys(clientID string) []string {
	return []string{
		r.ParticipantKey(clientID),
		r.StartedKey(clientID),
		r.FinishedKey(clientID),
		r.DisqualifiedKey(clientID),
	}
}

var CacheKey = NewCacheKeyStruct()
