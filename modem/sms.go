package modem

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"i4.energy/across/tracker/at"
)

// smsTimeout bounds the network round trip of AT+CMGS.
const smsTimeout = 60 * time.Second

// SMS represents a text message stored on the modem.
type SMS struct {
	Index  int    `json:"index"`
	Status string `json:"status"` // "REC UNREAD", "REC READ", "STO UNSENT", "STO SENT"
	Sender string `json:"sender"`
	Time   string `json:"time"`
	Text   string `json:"text"`
}

var (
	cmgsRe = regexp.MustCompile(`^\+CMGS: ?(\d+)`)
	cmgrRe = regexp.MustCompile(`^\+CMGR: ?"([^"]*)","([^"]*)","[^"]*","([^"]*)"`)
)

// SendSMS sends a text message to the specified recipient and returns the
// message reference assigned by the network.
//
// The message is sent in text mode (not PDU mode). The recipient should be
// in international format (e.g., "+1234567890"). The whole exchange runs in
// raw mode: the body may only be written after the "> " prompt.
func (m *Modem) SendSMS(ctx context.Context, recipient, message string) (int, error) {
	if err := m.Send(ctx, at.CmdSetTextMode); err != nil {
		return 0, fmt.Errorf("set SMS text mode: %w", err)
	}

	ctx, hold, err := m.gate.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer hold.Release()

	if err := m.WriteRaw(ctx, []byte(fmt.Sprintf(`AT+CMGS="%s"`, recipient)+at.CR)); err != nil {
		return 0, err
	}
	if err := m.WaitFor(ctx, ">", m.config.ATTimeout); err != nil {
		return 0, fmt.Errorf("wait for SMS prompt: %w", err)
	}

	if err := m.WriteRaw(ctx, []byte(message+at.CtrlZ)); err != nil {
		return 0, err
	}
	line, err := m.WaitForCopy(ctx, `\+CMGS:`, smsTimeout)
	if err != nil {
		return 0, fmt.Errorf("send SMS: %w", err)
	}
	if err := m.WaitFor(ctx, `^OK$`, m.config.ATTimeout); err != nil {
		return 0, fmt.Errorf("send SMS: %w", err)
	}

	match := cmgsRe.FindStringSubmatch(line)
	if match == nil {
		return 0, fmt.Errorf("%w: %q", ErrBadResponse, line)
	}
	ref, _ := strconv.Atoi(match[1])
	return ref, nil
}

// ReadSMS reads the message stored at index.
func (m *Modem) ReadSMS(ctx context.Context, index int) (SMS, error) {
	if err := m.Send(ctx, at.CmdSetTextMode); err != nil {
		return SMS{}, fmt.Errorf("set SMS text mode: %w", err)
	}

	ctx, hold, err := m.gate.Acquire(ctx)
	if err != nil {
		return SMS{}, err
	}
	defer hold.Release()

	if err := m.WriteRaw(ctx, []byte(fmt.Sprintf("AT+CMGR=%d", index)+at.CRLF)); err != nil {
		return SMS{}, err
	}
	header, err := m.WaitForCopy(ctx, `\+CMGR:`, m.config.ATTimeout)
	if err != nil {
		return SMS{}, fmt.Errorf("read SMS %d: %w", index, err)
	}
	match := cmgrRe.FindStringSubmatch(header)
	if match == nil {
		return SMS{}, fmt.Errorf("%w: %q", ErrBadResponse, header)
	}

	// The text is followed by a blank line and the final OK. An OK line
	// anywhere else belongs to the text.
	var body []string
	for {
		line, err := m.readLine(m.config.ATTimeout)
		if err != nil {
			return SMS{}, fmt.Errorf("read SMS %d body: %w", index, err)
		}
		if line == at.OK && len(body) > 0 && body[len(body)-1] == "" {
			body = body[:len(body)-1]
			break
		}
		body = append(body, line)
	}
	for len(body) > 0 && body[len(body)-1] == "" {
		body = body[:len(body)-1]
	}

	return SMS{
		Index:  index,
		Status: match[1],
		Sender: match[2],
		Time:   match[3],
		Text:   strings.Join(body, "\n"),
	}, nil
}

// DeleteSMS removes the message stored at index.
func (m *Modem) DeleteSMS(ctx context.Context, index int) error {
	if err := m.Sendf(ctx, "AT+CMGD=%d", index); err != nil {
		return fmt.Errorf("delete SMS %d: %w", index, err)
	}
	return nil
}
