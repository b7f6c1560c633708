package nntp

import "time"

// Header is one XOVER overview record. Field names follow the
// "subject, date, message-id, bytes" consumption list plus the extra
// overview fields (from, references, lines) carried by a standard XOVER
// response, mirrored from the MessageOverview shape used across the NNTP
// client examples in the retrieval pack.
type Header struct {
	Number     int64
	Subject    string
	From       string
	Date       time.Time
	MessageID  string
	References []string
	Bytes      int64
	Lines      int
}
