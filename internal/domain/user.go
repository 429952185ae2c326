package domain

import (
	"errors"

	"github.com/pion/randutil"
)

const (
	ParticipantIDLen = 7
	MaxDisplayLen    = 36

	participantIDRunes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var (
	ErrDisplayTooLong = errors.New("display name too long")
	ErrDisplayEmpty   = errors.New("display name empty")
)

// ParticipantID names a participant's local tracks and views.
type ParticipantID string

func NewParticipantID() (ParticipantID, error) {
	s, err := randutil.GenerateCryptoRandomString(ParticipantIDLen, participantIDRunes)
	if err != nil {
		return "", err
	}
	return ParticipantID(s), nil
}

// TrackName returns the deterministic name of the first track of kind.
func (id ParticipantID) TrackName(kind string) string {
	return string(id) + "_" + kind + "_0"
}

func ValidateDisplay(display string) error {
	if len(display) == 0 {
		return ErrDisplayEmpty
	}
	if len(display) > MaxDisplayLen {
		return ErrDisplayTooLong
	}
	return nil
}
