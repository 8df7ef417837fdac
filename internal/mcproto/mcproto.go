// Package mcproto holds the memcached ASCII wire-protocol literals and the
// stable error-code ladder shared by parser, conn and pool.
package mcproto

// Code mirrors the integer error ladder from the reference client so callers
// that care about the numeric codes (not just Go errors) can still branch on
// them.
type Code int

const (
	CodeOK                Code = 0
	CodeIncompleteBuffer   Code = -1
	CodeInvalidKey         Code = -2
	CodeProgramming        Code = -3
	CodeServerError        Code = -4
	CodePoll               Code = -5
	CodePollTimeout        Code = -6
	CodeConnPoll           Code = -7
	CodeRecv               Code = -8
	CodeSend               Code = -9
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeIncompleteBuffer:
		return "INCOMPLETE_BUFFER"
	case CodeInvalidKey:
		return "INVALID_KEY"
	case CodeProgramming:
		return "PROGRAMMING"
	case CodeServerError:
		return "MC_SERVER_ERR"
	case CodePoll:
		return "POLL_ERR"
	case CodePollTimeout:
		return "POLL_TIMEOUT_ERR"
	case CodeConnPoll:
		return "CONN_POLL_ERR"
	case CodeRecv:
		return "RECV_ERR"
	case CodeSend:
		return "SEND_ERR"
	default:
		return "UNKNOWN"
	}
}

// Error wraps a Code with a human-readable reason, keeping the numeric ladder
// available via errors.As without forcing every caller to compare sentinels.
type Error struct {
	Code   Code
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Reason
}

func NewError(code Code, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// Wire-format literals. All integers on the wire are base-10 ASCII; every
// frame is terminated by CRLF.
const (
	CRLF = "\r\n"
	SP   = " "

	CmdGet      = "get"
	CmdGets     = "gets"
	CmdSet      = "set "
	CmdAdd      = "add "
	CmdReplace  = "replace "
	CmdAppend   = "append "
	CmdPrepend  = "prepend "
	CmdCas      = "cas "
	CmdDelete   = "delete "
	CmdTouch    = "touch "
	CmdIncr     = "incr "
	CmdDecr     = "decr "
	CmdVersion  = "version"
	CmdStats    = "stats"
	CmdFlushAll = "flush_all"
	CmdQuit     = "quit"

	SuffixNoreply = " noreply"
)

// Reply token prefixes recognized by the parser FSM. Kept as byte slices so
// BufferReader.ExpectBytes can compare without allocating.
var (
	TokValueSP   = []byte("VALUE ")
	TokVersionSP = []byte("VERSION ")
	TokEndCRLF   = []byte("END\r\n")
	TokExistsCRLF = []byte("EXISTS\r\n")
	TokOKCRLF     = []byte("OK\r\n")
	TokStoredCRLF = []byte("STORED\r\n")
	TokStatSP     = []byte("STAT ")
	TokDeletedCRLF = []byte("DELETED\r\n")
	TokNotFoundCRLF = []byte("NOT_FOUND\r\n")
	TokNotStoredCRLF = []byte("NOT_STORED\r\n")
	TokTouchedCRLF  = []byte("TOUCHED\r\n")
)

// MaxKeyLength is the longest key memcached accepts.
const MaxKeyLength = 250

// IsValidKey reports whether key satisfies spec.md's key-validity rule: length
// in [1, 250], containing none of space/CR/LF/NUL.
func IsValidKey(key []byte) bool {
	if len(key) == 0 || len(key) > MaxKeyLength {
		return false
	}
	for _, b := range key {
		switch b {
		case ' ', '\r', '\n', 0x00:
			return false
		}
	}
	return true
}
