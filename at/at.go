package at

const (
	// Terminal Control
	CRLF   = "\r\n"
	CR     = "\r"
	LF     = "\n"
	Prompt = "> "
	CtrlZ  = "\x1a"

	// Response Codes
	OK         = "OK"
	ERROR      = "ERROR"
	FAIL       = "FAIL"
	NoCarrier  = "NO CARRIER"
	NoDialtone = "NO DIALTONE"
	Busy       = "BUSY"
	NoAnswer   = "NO ANSWER"
	CmeError   = "+CME ERROR:"
	CmsError   = "+CMS ERROR:"
	Download   = "DOWNLOAD"

	// URCs (Unsolicited Result Codes)
	UrcReady         = "RDY"
	UrcPowerDown     = "NORMAL POWER DOWN"
	UrcCallReady     = "Call Ready"
	UrcGpsReady      = "GPS Ready"
	UrcPdpDeact      = "+PDP: DEACT"
	UrcNewMsg        = "+CMTI:"
	UrcMessageReport = "+CDSI:"
	UrcCall          = "RING"
	UrcHTTPAction    = "+HTTPACTION:"
	UrcReceive       = "+RECEIVE,"

	// Commands
	CmdAt            = "AT"
	CmdEchoOff       = "ATE0"
	CmdFlowControl   = "AT+IFC=2,2"
	CmdSlowClockOff  = "AT+CSCLK=0"
	CmdSimStatus     = "AT+CPIN?"
	CmdFunStatus     = "AT+CFUN?"
	CmdOperator      = "AT+COPS?"
	CmdBearerStatus  = "AT+SAPBR=2,1"
	CmdGpsStatus     = "AT+CGPSPWR?"
	CmdBearerOpen    = "AT+SAPBR=1,1"
	CmdBearerClose   = "AT+SAPBR=0,1"
	CmdSetTextMode   = "AT+CMGF=1"
	CmdHTTPInit      = "AT+HTTPINIT"
	CmdHTTPTerm      = "AT+HTTPTERM"
	CmdHTTPRead      = "AT+HTTPREAD"
	CmdListCalls     = "AT+CLCC"
	CmdVerboseErrors = "AT+CMEE=2"
	CmdIPMux         = "AT+CIPMUX=1"
	CmdIPSendPrompt  = "AT+CIPSPRT=1"
	CmdAttachStatus  = "AT+CGATT?"
	CmdIPBringUp     = "AT+CIICR"
	CmdLocalIP       = "AT+CIFSR"
	CmdIPShut        = "AT+CIPSHUT"
)

type ResponseType int

const (
	TypeFinal  ResponseType = iota // OK, ERROR
	TypeURC                        // Asynchronous notifications
	TypeData                       // Intermediate command output (+CSQ: ...)
	TypePrompt                     // SMS input prompt
)

// Reply is the outcome of one AT command transaction.
type Reply int

const (
	ReplyOK Reply = iota
	ReplyFail
	ReplyError
	ReplyTimeout
)

func (r Reply) String() string {
	switch r {
	case ReplyOK:
		return "OK"
	case ReplyFail:
		return "FAIL"
	case ReplyError:
		return "ERROR"
	case ReplyTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}
