package live

import (
	"crypto/rand"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Role is the author of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// TranscriptEntry is one immutable line of the conversation log.
type TranscriptEntry struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// transcript is an append-only log owned by the coordinator loop.
type transcript struct {
	entries []TranscriptEntry
	entropy io.Reader
	now     func() time.Time
}

func newTranscript(now func() time.Time) *transcript {
	return &transcript{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     now,
	}
}

// append records content under role and returns the entry. Blank content is dropped.
func (t *transcript) append(role Role, content string) (TranscriptEntry, bool) {
	if strings.TrimSpace(content) == "" {
		return TranscriptEntry{}, false
	}
	at := t.now()
	entry := TranscriptEntry{
		ID:        ulid.MustNew(ulid.Timestamp(at), t.entropy).String(),
		Role:      role,
		Content:   content,
		Timestamp: at,
	}
	t.entries = append(t.entries, entry)
	return entry, true
}

func (t *transcript) snapshot() []TranscriptEntry {
	out := make([]TranscriptEntry, len(t.entries))
	copy(out, t.entries)
	return out
}
