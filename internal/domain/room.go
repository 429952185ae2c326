// Package domain contains entity without logic, just meta-data
package domain

import "fmt"

type (
	RoomID int64
	FeedID int64
)

// Feed is one publisher entry as announced by the room.
type Feed struct {
	ID         FeedID `json:"id"`
	Display    string `json:"display,omitempty"`
	AudioCodec string `json:"audio_codec,omitempty"`
	VideoCodec string `json:"video_codec,omitempty"`
	Talking    bool   `json:"talking,omitempty"`
}

func (f Feed) String() string {
	if f.Display == "" {
		return fmt.Sprintf("feed %d", f.ID)
	}
	return fmt.Sprintf("feed %d (%s)", f.ID, f.Display)
}
