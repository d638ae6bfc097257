package modem

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"i4.energy/across/tracker/at"
)

const (
	httpMethodGet  = 0
	httpMethodPost = 1

	// httpUserAgent identifies the tracker to the server.
	httpUserAgent = "tracker"
	// httpDataTimeout is the time, in ms, the modem waits for the request body.
	httpDataTimeout = 1000
)

// HTTPResponse is the result of an HTTP request made by the modem.
type HTTPResponse struct {
	Status int
	Body   []byte
}

var httpActionRe = regexp.MustCompile(`^\+HTTPACTION: ?(\d+),(\d+),(\d+)`)

// HTTPGet requests url through the modem's HTTP client.
func (m *Modem) HTTPGet(ctx context.Context, url string) (*HTTPResponse, error) {
	return m.httpRequest(ctx, httpMethodGet, url, "", nil)
}

// HTTPPost posts body to url through the modem's HTTP client.
func (m *Modem) HTTPPost(ctx context.Context, url, contentType string, body []byte) (*HTTPResponse, error) {
	return m.httpRequest(ctx, httpMethodPost, url, contentType, body)
}

func (m *Modem) httpRequest(ctx context.Context, method int, url, contentType string, body []byte) (*HTTPResponse, error) {
	// The modem has a single HTTP service.
	m.httpMu.Lock()
	defer m.httpMu.Unlock()

	if err := m.EnableGPRS(ctx); err != nil {
		return nil, err
	}
	if err := m.httpSetup(ctx, url, contentType, body); err != nil {
		m.httpTerminate(ctx)
		return nil, err
	}

	resp, err := m.httpAction(ctx, method)
	m.httpTerminate(ctx)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (m *Modem) httpSetup(ctx context.Context, url, contentType string, body []byte) error {
	params := []string{
		at.CmdHTTPInit,
		`AT+HTTPPARA="CID","1"`,
		fmt.Sprintf(`AT+HTTPPARA="URL","%s"`, url),
		fmt.Sprintf(`AT+HTTPPARA="UA","%s"`, httpUserAgent),
		`AT+HTTPPARA="REDIR","1"`,
		fmt.Sprintf(`AT+HTTPPARA="TIMEOUT","%d"`, max(int(m.config.HTTPTimeout/time.Second)-5, 30)),
	}
	if contentType != "" {
		params = append(params, fmt.Sprintf(`AT+HTTPPARA="CONTENT","%s"`, contentType))
	}
	for _, cmd := range params {
		if err := m.Send(ctx, cmd); err != nil {
			return fmt.Errorf("HTTP setup: %w", err)
		}
	}
	if len(body) == 0 {
		return nil
	}

	ctx, hold, err := m.gate.Acquire(ctx)
	if err != nil {
		return err
	}
	defer hold.Release()

	if err := m.SendWaitf(ctx, at.Download, m.config.ATTimeout, "AT+HTTPDATA=%d,%d", len(body), httpDataTimeout); err != nil {
		return fmt.Errorf("HTTP data: %w", err)
	}
	if err := m.WriteRaw(ctx, body); err != nil {
		return err
	}
	if err := m.WaitFor(ctx, `^OK$`, m.config.ATTimeout+httpDataTimeout*time.Millisecond); err != nil {
		return fmt.Errorf("HTTP data: %w", err)
	}
	return nil
}

// httpAction runs the request and reads the response body. The link stays in
// raw mode from the action until the body is read, so the +HTTPACTION
// result cannot be consumed by the dispatcher.
func (m *Modem) httpAction(ctx context.Context, method int) (*HTTPResponse, error) {
	ctx, hold, err := m.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer hold.Release()

	if err := m.Sendf(ctx, "AT+HTTPACTION=%d", method); err != nil {
		return nil, fmt.Errorf("HTTP action: %w", err)
	}
	line, err := m.WaitForCopy(ctx, `\+HTTPACTION:`, m.config.HTTPTimeout)
	if err != nil {
		return nil, fmt.Errorf("HTTP action: %w", err)
	}
	match := httpActionRe.FindStringSubmatch(line)
	if match == nil {
		return nil, fmt.Errorf("%w: %q", ErrBadResponse, line)
	}
	status, _ := strconv.Atoi(match[2])
	length, _ := strconv.Atoi(match[3])

	resp := &HTTPResponse{Status: status}
	if length == 0 {
		return resp, nil
	}

	if err := m.WriteRaw(ctx, []byte(at.CmdHTTPRead+at.CRLF)); err != nil {
		return nil, err
	}
	if _, err := m.WaitForCopy(ctx, `\+HTTPREAD:`, m.config.ATTimeout); err != nil {
		return nil, fmt.Errorf("HTTP read: %w", err)
	}
	resp.Body = make([]byte, length)
	n, err := m.ReadRaw(ctx, resp.Body, m.config.HTTPTimeout)
	resp.Body = resp.Body[:n]
	if err != nil {
		return resp, fmt.Errorf("HTTP read: %w", err)
	}
	if err := m.WaitFor(ctx, `^OK$`, m.config.ATTimeout); err != nil && !errors.Is(err, ErrTimeout) {
		return resp, fmt.Errorf("HTTP read: %w", err)
	}
	return resp, nil
}

// httpTerminate closes the HTTP service, or the bearer if that fails.
func (m *Modem) httpTerminate(ctx context.Context) {
	if err := m.Send(ctx, at.CmdHTTPTerm); err != nil {
		m.logger.Warn("Failed to terminate HTTP service", "error", err)
		if err := m.DisableGPRS(ctx); err != nil {
			m.logger.Warn("Failed to disable GPRS", "error", err)
		}
	}
}
