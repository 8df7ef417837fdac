package parser

import (
	"errors"

	"github.com/nishisan-dev/go-mcketama/internal/buffer"
	"github.com/nishisan-dev/go-mcketama/internal/mcproto"
)

// Mode selects when the FSM considers itself finished for one user call.
type Mode int

const (
	// ModeEndState finishes when the FSM reaches the terminal END or ERROR
	// state — used for get/gets and broadcast replies.
	ModeEndState Mode = iota
	// ModeCounting finishes when the expected-key queue drains — used for
	// storage, delete, touch, incr and decr.
	ModeCounting
)

type state int

const (
	stateStart state = iota
	stateGetKey
	stateGetKeySep
	stateGetFlags
	stateGetFlagsSep
	stateGetBytes
	stateGetCasPeek
	stateGetCasSep
	stateGetCasValue
	stateGetCR
	stateGetLF
	stateGetValue
	stateGetValueCR
	stateGetValueLF
	stateLine  // STAT/VERSION line body
	stateIncrValue
	stateIncrCR
	stateIncrLF
	stateEnd
	stateError
)

// PacketParser decodes one Connection's reply stream. It owns no bytes
// itself: it reads from the BufferReader supplied at construction and
// appends completed results to its own typed slices.
type PacketParser struct {
	reader *buffer.BufferReader
	mode   Mode
	state  state
	err    error

	expectedKeys [][]byte

	Retrievals []RetrievalResult
	Messages   []MessageResult
	Lines      []LineResult
	Unsigneds  []UnsignedResult

	// in-flight VALUE assembly
	curKey      buffer.TokenData
	curFlags    uint32
	curBytes    uint64
	curCas      uint64
	curData     buffer.TokenData
	lineIsVersion bool
}

// NewPacketParser creates a parser reading from r, initially in START state
// and ModeEndState.
func NewPacketParser(r *buffer.BufferReader) *PacketParser {
	return &PacketParser{reader: r}
}

// SetMode selects the completion rule for the upcoming user call. Callers
// (the dispatch layer via Connection) set this once per command family
// before driving Process.
func (p *PacketParser) SetMode(m Mode) { p.mode = m }

// PushExpectedKey registers a key whose reply has not arrived yet, in the
// order replies are expected to arrive (FIFO).
func (p *PacketParser) PushExpectedKey(key []byte) {
	p.expectedKeys = append(p.expectedKeys, key)
}

// PendingReplies reports how many expected-key entries remain unmatched.
func (p *PacketParser) PendingReplies() int { return len(p.expectedKeys) }

func (p *PacketParser) popExpectedKey() []byte {
	if len(p.expectedKeys) == 0 {
		return nil
	}
	k := p.expectedKeys[0]
	p.expectedKeys = p.expectedKeys[1:]
	return k
}

// Done reports whether this call's completion condition has been reached.
func (p *PacketParser) Done() bool {
	switch p.mode {
	case ModeCounting:
		return len(p.expectedKeys) == 0
	default:
		return p.state == stateEnd || p.state == stateError
	}
}

// Err returns the terminal error, if the FSM reached stateError.
func (p *PacketParser) Err() error { return p.err }

// Reset returns the parser to its post-construction state: START, no
// pending keys, no accumulated results. Invoked by Connection.reset() at the
// end of a user call.
func (p *PacketParser) Reset() {
	p.state = stateStart
	p.mode = ModeEndState
	p.err = nil
	p.expectedKeys = nil
	p.Retrievals = nil
	p.Messages = nil
	p.Lines = nil
	p.Unsigneds = nil
	p.curKey = buffer.TokenData{}
	p.curData = buffer.TokenData{}
	p.curFlags = 0
	p.curBytes = 0
	p.curCas = 0
}

// Rewind returns the FSM to START without touching accumulated results or
// the expected-key queue, used by Connection.rewind() when a mid-operation
// reconnect requires retransmission but the call's bookkeeping must survive.
func (p *PacketParser) Rewind() {
	p.state = stateStart
	p.err = nil
}

// Process steps the FSM forward as far as the currently buffered bytes
// allow. It returns buffer.ErrIncomplete (not a failure — the caller should
// simply wait for more bytes and call Process again) when the reader runs
// dry before Done(), nil once Done() holds (any further buffered bytes are
// left unconsumed), or a terminal *mcproto.Error when the peer sent a
// malformed or server-error reply.
func (p *PacketParser) Process() error {
	for {
		if p.Done() {
			return nil
		}
		if err := p.step(); err != nil {
			if errors.Is(err, buffer.ErrIncomplete) {
				return buffer.ErrIncomplete
			}
			p.state = stateError
			p.err = err
			return err
		}
	}
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// step performs exactly one state transition. Every BufferReader call inside
// a single step either fully commits or fails with ErrIncomplete leaving the
// reader cursor untouched, so a step never has partial effects.
func (p *PacketParser) step() error {
	switch p.state {
	case stateStart:
		return p.stepStart()
	case stateGetKey:
		var tok buffer.TokenData
		if _, err := p.reader.ReadUntil(' ', &tok); err != nil {
			return err
		}
		p.curKey = tok
		p.state = stateGetKeySep
		return nil
	case stateGetKeySep:
		if err := p.reader.SkipBytes(1); err != nil {
			return err
		}
		p.state = stateGetFlags
		return nil
	case stateGetFlags:
		v, err := p.reader.ReadUnsigned()
		if err != nil {
			return err
		}
		p.curFlags = uint32(v)
		p.state = stateGetFlagsSep
		return nil
	case stateGetFlagsSep:
		if err := p.reader.SkipBytes(1); err != nil {
			return err
		}
		p.state = stateGetBytes
		return nil
	case stateGetBytes:
		v, err := p.reader.ReadUnsigned()
		if err != nil {
			return err
		}
		p.curBytes = v
		p.state = stateGetCasPeek
		return nil
	case stateGetCasPeek:
		b, err := p.reader.Peek(0)
		if err != nil {
			return err
		}
		if b == ' ' {
			p.state = stateGetCasSep
		} else {
			p.state = stateGetCR
		}
		return nil
	case stateGetCasSep:
		if err := p.reader.SkipBytes(1); err != nil {
			return err
		}
		p.state = stateGetCasValue
		return nil
	case stateGetCasValue:
		v, err := p.reader.ReadUnsigned()
		if err != nil {
			return err
		}
		p.curCas = v
		p.state = stateGetCR
		return nil
	case stateGetCR:
		if err := p.reader.ExpectBytes([]byte("\r")); err != nil {
			return translateProgramming(err)
		}
		p.state = stateGetLF
		return nil
	case stateGetLF:
		if err := p.reader.ExpectBytes([]byte("\n")); err != nil {
			return translateProgramming(err)
		}
		p.state = stateGetValue
		return nil
	case stateGetValue:
		want := int(p.curBytes) + 2
		if want > p.reader.ReadLeft() {
			p.reader.GrowHint(want - p.reader.ReadLeft())
		}
		var data buffer.TokenData
		if err := p.reader.ReadBytes(int(p.curBytes), &data); err != nil {
			return err
		}
		p.curData = data
		p.state = stateGetValueCR
		return nil
	case stateGetValueCR:
		if err := p.reader.ExpectBytes([]byte("\r")); err != nil {
			return translateProgramming(err)
		}
		p.state = stateGetValueLF
		return nil
	case stateGetValueLF:
		if err := p.reader.ExpectBytes([]byte("\n")); err != nil {
			return translateProgramming(err)
		}
		p.Retrievals = append(p.Retrievals, RetrievalResult{
			Key:       p.curKey,
			KeyLen:    p.curKey.Len(),
			DataBlock: p.curData,
			Bytes:     uint32(p.curBytes),
			Flags:     p.curFlags,
			CasUnique: p.curCas,
		})
		p.curKey = buffer.TokenData{}
		p.curData = buffer.TokenData{}
		p.curFlags, p.curBytes, p.curCas = 0, 0, 0
		p.state = stateStart
		return nil
	case stateLine:
		var line buffer.TokenData
		if _, err := p.reader.ReadUntil('\n', &line); err != nil {
			return err
		}
		if err := p.reader.SkipBytes(1); err != nil { // consume the LF itself
			return err
		}
		line.TrimLastByte() // drop the CR
		p.Lines = append(p.Lines, LineResult{Line: line, LineLen: line.Len()})
		if p.lineIsVersion {
			p.state = stateEnd
		} else {
			p.state = stateStart
		}
		return nil
	case stateIncrValue:
		v, err := p.reader.ReadUnsigned()
		if err != nil {
			return err
		}
		p.curBytes = v // reused as scratch for the numeric value
		p.state = stateIncrCR
		return nil
	case stateIncrCR:
		if err := p.reader.ExpectBytes([]byte("\r")); err != nil {
			return translateProgramming(err)
		}
		p.state = stateIncrLF
		return nil
	case stateIncrLF:
		if err := p.reader.ExpectBytes([]byte("\n")); err != nil {
			return translateProgramming(err)
		}
		p.Unsigneds = append(p.Unsigneds, UnsignedResult{Key: p.popExpectedKey(), Value: p.curBytes})
		p.curBytes = 0
		p.state = stateStart
		return nil
	default:
		return mcproto.NewError(mcproto.CodeProgramming, "parser stepped in terminal state")
	}
}

// stepStart dispatches on the leading byte(s) of the next reply. All Peek
// calls here are non-mutating, so any ErrIncomplete returned leaves the
// reader untouched for a clean resumption once more bytes arrive.
func (p *PacketParser) stepStart() error {
	b0, err := p.reader.Peek(0)
	if err != nil {
		return err
	}

	switch {
	case b0 == 'V':
		b1, err := p.reader.Peek(1)
		if err != nil {
			return err
		}
		switch b1 {
		case 'A': // VALUE
			if err := p.reader.ExpectBytes(mcproto.TokValueSP); err != nil {
				return translateProgramming(err)
			}
			p.state = stateGetKey
			return nil
		case 'E': // VERSION
			if err := p.reader.ExpectBytes(mcproto.TokVersionSP); err != nil {
				return translateProgramming(err)
			}
			p.lineIsVersion = true
			p.state = stateLine
			return nil
		default:
			return mcproto.NewError(mcproto.CodeProgramming, "unrecognized V-reply")
		}

	case b0 == 'E':
		b1, err := p.reader.Peek(1)
		if err != nil {
			return err
		}
		switch b1 {
		case 'N': // END
			if err := p.reader.ExpectBytes(mcproto.TokEndCRLF); err != nil {
				return translateProgramming(err)
			}
			p.state = stateEnd
			return nil
		case 'X': // EXISTS
			if err := p.reader.ExpectBytes(mcproto.TokExistsCRLF); err != nil {
				return translateProgramming(err)
			}
			p.Messages = append(p.Messages, MessageResult{Kind: MsgExists, Key: p.popExpectedKey()})
			return nil
		case 'R': // ERROR\r\n (generic, no key)
			if _, err := p.reader.SkipUntil('\n'); err != nil {
				return err
			}
			return mcproto.NewError(mcproto.CodeProgramming, "ERROR")
		default:
			return mcproto.NewError(mcproto.CodeProgramming, "unrecognized E-reply")
		}

	case b0 == 'O': // OK
		if err := p.reader.ExpectBytes(mcproto.TokOKCRLF); err != nil {
			return translateProgramming(err)
		}
		p.Messages = append(p.Messages, MessageResult{Kind: MsgOK, Key: p.popExpectedKey()})
		if p.mode == ModeEndState {
			// A broadcast OK (flush_all) is the whole reply; nothing follows.
			p.state = stateEnd
		}
		return nil

	case b0 == 'S':
		b1, err := p.reader.Peek(1)
		if err != nil {
			return err
		}
		if b1 != 'T' {
			// SERVER_ERROR <reason>\r\n
			if _, err := p.reader.SkipUntil('\n'); err != nil {
				return err
			}
			return mcproto.NewError(mcproto.CodeServerError, "SERVER_ERROR")
		}
		b2, err := p.reader.Peek(2)
		if err != nil {
			return err
		}
		switch b2 {
		case 'O': // STORED
			if err := p.reader.ExpectBytes(mcproto.TokStoredCRLF); err != nil {
				return translateProgramming(err)
			}
			p.Messages = append(p.Messages, MessageResult{Kind: MsgStored, Key: p.popExpectedKey()})
			return nil
		case 'A': // STAT <line>
			if err := p.reader.ExpectBytes(mcproto.TokStatSP); err != nil {
				return translateProgramming(err)
			}
			p.lineIsVersion = false
			p.state = stateLine
			return nil
		default:
			if _, err := p.reader.SkipUntil('\n'); err != nil {
				return err
			}
			return mcproto.NewError(mcproto.CodeServerError, "SERVER_ERROR")
		}

	case b0 == 'D': // DELETED
		if err := p.reader.ExpectBytes(mcproto.TokDeletedCRLF); err != nil {
			return translateProgramming(err)
		}
		p.Messages = append(p.Messages, MessageResult{Kind: MsgDeleted, Key: p.popExpectedKey()})
		return nil

	case b0 == 'N':
		b4, err := p.reader.Peek(4)
		if err != nil {
			return err
		}
		switch b4 {
		case 'F': // NOT_FOUND
			if err := p.reader.ExpectBytes(mcproto.TokNotFoundCRLF); err != nil {
				return translateProgramming(err)
			}
			p.Messages = append(p.Messages, MessageResult{Kind: MsgNotFound, Key: p.popExpectedKey()})
			return nil
		case 'S': // NOT_STORED
			if err := p.reader.ExpectBytes(mcproto.TokNotStoredCRLF); err != nil {
				return translateProgramming(err)
			}
			p.Messages = append(p.Messages, MessageResult{Kind: MsgNotStored, Key: p.popExpectedKey()})
			return nil
		default:
			return mcproto.NewError(mcproto.CodeProgramming, "unrecognized N-reply")
		}

	case b0 == 'T': // TOUCHED
		if err := p.reader.ExpectBytes(mcproto.TokTouchedCRLF); err != nil {
			return translateProgramming(err)
		}
		p.Messages = append(p.Messages, MessageResult{Kind: MsgTouched, Key: p.popExpectedKey()})
		return nil

	case b0 == 'C': // CLIENT_ERROR <reason>\r\n
		if _, err := p.reader.SkipUntil('\n'); err != nil {
			return err
		}
		return mcproto.NewError(mcproto.CodeProgramming, "CLIENT_ERROR")

	case isDigit(b0): // bare numeric reply to incr/decr
		p.state = stateIncrValue
		return nil

	default:
		return mcproto.NewError(mcproto.CodeProgramming, "unrecognized reply")
	}
}

func translateProgramming(err error) error {
	if errors.Is(err, buffer.ErrIncomplete) {
		return err
	}
	return mcproto.NewError(mcproto.CodeProgramming, err.Error())
}
