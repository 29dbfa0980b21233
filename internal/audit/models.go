package audit

import (
	"fmt"
	"time"
)

// Channel names one append-only operator log. Each channel is a separate
// file so operators can alert on the error channels alone.
type Channel string

const (
	ChannelKick        Channel = "kick.log"
	ChannelKickError   Channel = "kick.error.log"
	ChannelExpiryError Channel = "expiry.error.log"
	ChannelLink        Channel = "link.log"
)

// Entry is one operator log record.
type Entry struct {
	Channel    Channel
	Timestamp  time.Time
	Message    string
	OrgID      string
	PlatformID string
	Err        error
}

// Line renders the entry in the "[timestamp] message" format of the log
// files. The error, when present, is appended after a colon.
func (e Entry) Line() string {
	line := fmt.Sprintf("[%s] %s", e.Timestamp.UTC().Format(time.RFC3339), e.Message)
	if e.Err != nil {
		line += ": " + e.Err.Error()
	}
	return line
}
