package modem

import (
	"regexp"
	"strconv"

	"i4.energy/across/tracker/at"
)

// urcRules is matched top to bottom; order matters.
var urcRules = []urcRule{
	{pattern: regexp.MustCompile(`^RDY$`), next: StateBooting},
	{pattern: regexp.MustCompile(`^NORMAL POWER DOWN`), handle: handlePowerDown},
	{pattern: regexp.MustCompile(`^\+CPIN: NOT INSERTED`), next: StateError, handle: handleNoSIM},
	{pattern: regexp.MustCompile(`^\+CPIN: READY`), next: StateWaitNetwork, handle: handleSIMInserted},
	{pattern: regexp.MustCompile(`^\+CPIN: SIM PIN`), next: StateAskPin, handle: handleSIMInserted},
	{pattern: regexp.MustCompile(`^\+CFUN:`), handle: handleCFUN},
	{pattern: regexp.MustCompile(`^Call Ready`), next: StateReady},
	{pattern: regexp.MustCompile(`^GPS Ready`), handle: handleGPSReady},
	{pattern: regexp.MustCompile(`^\+CGPSPWR:`), handle: handleGPSPower},
	{pattern: regexp.MustCompile(`^\+COPS:`), handle: handleNetwork},
	{pattern: regexp.MustCompile(`^\+SAPBR`), handle: handleBearer},
	{pattern: regexp.MustCompile(`^\+PDP: DEACT`), handle: handlePDPDeact},
	{pattern: regexp.MustCompile(`^\+RECEIVE,`), handle: handleReceive},
	{pattern: regexp.MustCompile(`^\d, CLOSED`), handle: handleSocketClosed},
	{pattern: regexp.MustCompile(`^OK$`), handle: handleOK},
	{pattern: regexp.MustCompile(`^FAIL$`), handle: handleFail},
	{pattern: regexp.MustCompile(`^(ERROR|\+CME ERROR|\+CMS ERROR)`), handle: handleError},
	{pattern: regexp.MustCompile(`^(NO CARRIER|NO DIALTONE)`), handle: handleCallEnded},
	{pattern: regexp.MustCompile(`^(BUSY|NO ANSWER)`), handle: handleFail},
	{pattern: regexp.MustCompile(`^RING$`), handle: handleRing},
	{pattern: regexp.MustCompile(`^\+CMTI:`), handle: handleSMSIn},
}

var (
	cfunRe    = regexp.MustCompile(`^\+CFUN: (\d+)`)
	copsRe    = regexp.MustCompile(`^\+COPS: \d+,\d+,"([^"]*)"`)
	sapbrRe   = regexp.MustCompile(`^\+SAPBR: \d+,(\d+)`)
	sapbrDown = regexp.MustCompile(`^\+SAPBR \d+: DEACT`)
	cmtiRe    = regexp.MustCompile(`^\+CMTI: "[^"]*",(\d+)`)
	gpsPwrRe  = regexp.MustCompile(`^\+CGPSPWR: (\d)`)
)

func handlePowerDown(m *Modem, _ string) {
	m.powerDown()
}

func handleNoSIM(m *Modem, _ string) {
	m.clearFlags(FlagSimInserted)
}

func handleSIMInserted(m *Modem, _ string) {
	m.setFlags(FlagSimInserted)
}

func handleCFUN(m *Modem, line string) {
	match := cfunRe.FindStringSubmatch(line)
	if match == nil {
		return
	}
	cfun := CFUNMinimum
	if match[1] == "1" {
		cfun = CFUNFull
	}
	m.session.mu.Lock()
	m.session.cfun = cfun
	m.session.mu.Unlock()
}

func handleGPSReady(m *Modem, _ string) {
	m.setFlags(FlagGpsReady)
	m.emit(Event{Kind: EventGPSReady})
}

// handleGPSPower follows the GPS engine power reported by AT+CGPSPWR?. GPS
// Ready is only announced at boot, so this is how a warm start learns it.
func handleGPSPower(m *Modem, line string) {
	match := gpsPwrRe.FindStringSubmatch(line)
	if match == nil {
		return
	}
	if match[1] == "1" {
		m.setFlags(FlagGpsReady)
	} else {
		m.clearFlags(FlagGpsReady)
	}
}

// handleNetwork treats a reported operator as network registration.
func handleNetwork(m *Modem, line string) {
	match := copsRe.FindStringSubmatch(line)
	if match == nil {
		return
	}
	m.session.mu.Lock()
	m.session.operator = match[1]
	m.session.mu.Unlock()
	m.setState(StateReady)
}

// handleBearer tracks bearer status 0 (connecting) and 1 (connected) as up.
func handleBearer(m *Modem, line string) {
	up := false
	if match := sapbrRe.FindStringSubmatch(line); match != nil {
		status, _ := strconv.Atoi(match[1])
		up = status == 0 || status == 1
	} else if !sapbrDown.MatchString(line) {
		return
	}

	wasUp := m.Flags().Has(FlagGprsReady)
	if up {
		m.setFlags(FlagGprsReady)
	} else {
		m.clearFlags(FlagGprsReady)
	}
	switch {
	case up && !wasUp:
		m.emit(Event{Kind: EventBearerUp})
	case !up && wasUp:
		m.emit(Event{Kind: EventBearerDown})
	}
}

func handlePDPDeact(m *Modem, _ string) {
	wasUp := m.Flags().Has(FlagGprsReady)
	m.clearFlags(FlagTcpEnabled | FlagGprsReady)
	m.dropSockets()
	if wasUp {
		m.emit(Event{Kind: EventBearerDown})
	}
}

func handleOK(m *Modem, line string) {
	m.signalReply(at.ReplyOK, line)
}

func handleFail(m *Modem, line string) {
	m.signalReply(at.ReplyFail, line)
}

func handleError(m *Modem, line string) {
	m.signalReply(at.ReplyError, line)
}

func handleCallEnded(m *Modem, _ string) {
	m.clearFlags(FlagCall | FlagIncomingCall)
	m.emit(Event{Kind: EventCallEnded})
}

func handleRing(m *Modem, _ string) {
	m.setFlags(FlagIncomingCall)
	m.emit(Event{Kind: EventRing})
}

func handleSMSIn(m *Modem, line string) {
	match := cmtiRe.FindStringSubmatch(line)
	if match == nil {
		return
	}
	index, _ := strconv.Atoi(match[1])
	m.session.mu.Lock()
	m.session.lastSMS = index
	m.session.mu.Unlock()
	m.emit(Event{Kind: EventSMSReceived, Index: index})
}
