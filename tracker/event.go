package tracker

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is how event and session times are written.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Event is one position report. Fields are strings on the wire and are
// declared in the order they are signed; MAC comes last and is not signed.
type Event struct {
	Latitude    string `json:"latitude"`
	Longitude   string `json:"longitude"`
	SessionCode string `json:"session_code"`
	Time        string `json:"time"`
	TrackerCode string `json:"tracker_code"`
	Version     string `json:"version"`
	MAC         string `json:"mac"`
}

// NewEvent formats a position into an unsigned event.
func NewEvent(pos Position, session, trackerCode, version string) Event {
	return Event{
		Latitude:    formatCoord(pos.Latitude),
		Longitude:   formatCoord(pos.Longitude),
		SessionCode: session,
		Time:        pos.Time.UTC().Format(TimeLayout),
		TrackerCode: trackerCode,
		Version:     version,
	}
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// Canonical returns the signed form of the event: every field except the
// MAC as "name:value|", in field order.
func (e Event) Canonical() string {
	var b strings.Builder
	for _, f := range [][2]string{
		{"latitude", e.Latitude},
		{"longitude", e.Longitude},
		{"session_code", e.SessionCode},
		{"time", e.Time},
		{"tracker_code", e.TrackerCode},
		{"version", e.Version},
	} {
		b.WriteString(f[0])
		b.WriteByte(':')
		b.WriteString(f[1])
		b.WriteByte('|')
	}
	return b.String()
}

// Sign sets the MAC from the shared secret and returns the event.
func (e Event) Sign(secret string) Event {
	e.MAC = MAC(secret, e.Canonical())
	return e
}

// Verify reports whether the MAC matches the event contents.
func (e Event) Verify(secret string) bool {
	want := MAC(secret, e.Canonical())
	return hmac.Equal([]byte(want), []byte(e.MAC))
}

// MAC is the lowercase hex HMAC-SHA1 of msg.
func MAC(secret, msg string) string {
	h := hmac.New(sha1.New, []byte(secret))
	h.Write([]byte(msg))
	return hex.EncodeToString(h.Sum(nil))
}

// sessionCode names a tracking session after the time of its first fix.
func sessionCode(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
