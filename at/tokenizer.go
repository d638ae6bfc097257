package at

import (
	"bufio"
	"bytes"
	"strings"
)

// Splitter is used for tokenizing AT command modem responses. It uses
// the signature of bufio.SplitFunc so it can be directly used with bufio.Scanner.
//
// It splits the input by CRLF line endings and also
// recognizes the SMS input prompt ("> ").
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	// 1. Match SMS Prompt
	if bytes.HasPrefix(data, []byte(Prompt)) {
		return len(Prompt), data[0:len(Prompt)], nil
	}

	// 2. Match standard line ending with CRLF
	if i := bytes.Index(data, []byte(CRLF)); i >= 0 {
		return i + len(CRLF), data[0:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

// CommandSplitter tokenizes the host side of the link, as a modem sees it.
// Commands end at CR or LF. A Ctrl-Z ends SMS text and is kept as the last
// byte of the token so the reader can tell text from commands.
func CommandSplitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexAny(data, CR+LF+CtrlZ); i >= 0 {
		if data[i] == CtrlZ[0] {
			return i + 1, data[0 : i+1], nil
		}
		return i + 1, data[0:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = CommandSplitter

// Classify identifies the nature of the modem output
func Classify(line string) ResponseType {
	if line == Prompt || line == strings.TrimSpace(Prompt) {
		return TypePrompt
	}

	// Direct matches for final results
	switch line {
	case OK, ERROR, FAIL, NoCarrier, NoDialtone, Busy, NoAnswer:
		return TypeFinal
	}

	// Prefix matches
	switch {
	case strings.HasPrefix(line, CmeError), strings.HasPrefix(line, CmsError):
		return TypeFinal
	case strings.HasPrefix(line, UrcNewMsg), strings.HasPrefix(line, UrcMessageReport),
		strings.HasPrefix(line, UrcHTTPAction), strings.HasPrefix(line, UrcPdpDeact),
		line == UrcCall, line == UrcReady, line == UrcPowerDown,
		line == UrcCallReady, line == UrcGpsReady:
		return TypeURC
	default:
		return TypeData
	}
}

// FinalReply maps a final result line to the reply it completes. The
// second return value is false for lines that do not end a command.
func FinalReply(line string) (Reply, bool) {
	if Classify(line) != TypeFinal {
		return ReplyOK, false
	}
	switch {
	case line == OK:
		return ReplyOK, true
	case line == ERROR, strings.HasPrefix(line, CmeError), strings.HasPrefix(line, CmsError):
		return ReplyError, true
	default:
		return ReplyFail, true
	}
}
