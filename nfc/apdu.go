package nfc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// StatusWord is the 2-byte trailer that terminates every response APDU.
type StatusWord uint16

// Status words produced by the daemon.
const (
	SWSuccess                 StatusWord = 0x9000
	SWWrongLength             StatusWord = 0x6700
	SWCommandNotAllowed       StatusWord = 0x6900
	SWSecurityStatus          StatusWord = 0x6982
	SWFunctionNotSupported    StatusWord = 0x6A81
	SWFileNotFound            StatusWord = 0x6A82
	SWIncorrectP1P2           StatusWord = 0x6A86
	SWLcInconsistentWithP1P2  StatusWord = 0x6A87
	SWReferenceDataNotFound   StatusWord = 0x6A88
	SWWrongParameters         StatusWord = 0x6B00
	SWInstructionNotSupported StatusWord = 0x6D00
	SWClassNotSupported       StatusWord = 0x6E00
	SWUnknown                 StatusWord = 0x6F00 // No precise diagnosis
)

var statusWordNames = map[StatusWord]string{
	SWSuccess:                 "success",
	SWWrongLength:             "wrong length",
	SWCommandNotAllowed:       "command not allowed",
	SWSecurityStatus:          "security status not satisfied",
	SWFunctionNotSupported:    "function not supported",
	SWFileNotFound:            "file not found",
	SWIncorrectP1P2:           "incorrect P1/P2",
	SWLcInconsistentWithP1P2:  "Lc inconsistent with P1/P2",
	SWReferenceDataNotFound:   "reference data not found",
	SWWrongParameters:         "wrong parameters",
	SWInstructionNotSupported: "instruction not supported",
	SWClassNotSupported:       "class not supported",
	SWUnknown:                 "no precise diagnosis",
}

func (sw StatusWord) String() string {
	if name, ok := statusWordNames[sw]; ok {
		return fmt.Sprintf("%04X (%s)", uint16(sw), name)
	}
	return fmt.Sprintf("%04X", uint16(sw))
}

// SW1 returns the high byte of the status word.
func (sw StatusWord) SW1() byte { return byte(sw >> 8) }

// SW2 returns the low byte of the status word.
func (sw StatusWord) SW2() byte { return byte(sw) }

// Common APDU command classes
const (
	CLAStandard    = 0x00 // Standard ISO7816-4
	CLAProprietary = 0x80 // Proprietary commands
)

// Instructions the dispatcher inspects before general dispatch.
const (
	INSSelect   = 0xA4 // SELECT
	INSLoopback = 0x70 // Loop-back / diagnostic, always answered in-daemon
)

// SELECT P1 values
const (
	P1SelectByFileID = 0x00
	P1SelectByName   = 0x04
)

// commandHeaderLength is CLA, INS, P1, P2.
const commandHeaderLength = 4

// ErrWrongLength is returned by ParseCommand for any shape that is not a
// legal short command APDU.
var ErrWrongLength = &NFCError{
	Code:    ErrCodeWrongLength,
	Op:      "ParseCommand",
	Message: "command length does not match any legal APDU shape",
}

// Command is a parsed command APDU. Lc and Le are nil when absent; Data
// aliases the parsed buffer.
type Command struct {
	CLA  byte
	INS  byte
	P1   byte
	P2   byte
	Lc   *uint16
	Data []byte
	Le   *uint16
}

// IsSelectByName reports whether the command is SELECT with P1 = select by name.
func (c Command) IsSelectByName() bool {
	return c.INS == INSSelect && c.P1 == P1SelectByName
}

// ParseCommand parses a short command APDU.
//
// Legal shapes:
//
//	CLA INS P1 P2                    (case 1)
//	CLA INS P1 P2 Le                 (case 2)
//	CLA INS P1 P2 Lc data            (case 3)
//	CLA INS P1 P2 Lc data Le         (case 4)
//
// Every other shape, including an Lc byte of zero, fails with ErrWrongLength.
func ParseCommand(raw []byte) (Command, error) {
	if len(raw) < commandHeaderLength {
		return Command{}, ErrWrongLength
	}

	cmd := Command{
		CLA: raw[0],
		INS: raw[1],
		P1:  raw[2],
		P2:  raw[3],
	}

	switch {
	case len(raw) == commandHeaderLength:
		return cmd, nil

	case len(raw) == commandHeaderLength+1:
		le := uint16(raw[4])
		cmd.Le = &le
		return cmd, nil

	case raw[4] > 0:
		lc := uint16(raw[4])
		total := commandHeaderLength + 1 + int(lc)
		if len(raw) != total && len(raw) != total+1 {
			return Command{}, ErrWrongLength
		}
		cmd.Lc = &lc
		cmd.Data = raw[commandHeaderLength+1 : total]
		if len(raw) == total+1 {
			le := uint16(raw[total])
			cmd.Le = &le
		}
		return cmd, nil
	}

	return Command{}, ErrWrongLength
}

// EncodeResponse appends the big-endian status word to body.
func EncodeResponse(sw StatusWord, body []byte) []byte {
	out := make([]byte, 0, len(body)+2)
	out = append(out, body...)
	return binary.BigEndian.AppendUint16(out, uint16(sw))
}

// APDUResponse represents a parsed APDU response
type APDUResponse struct {
	Data []byte
	SW   StatusWord
}

// IsSuccess returns true if the response indicates success (SW=9000)
func (r APDUResponse) IsSuccess() bool {
	return r.SW == SWSuccess
}

// Error returns an error if the response is not successful
func (r APDUResponse) Error() error {
	if r.IsSuccess() {
		return nil
	}
	return fmt.Errorf("APDU error: SW=%s", r.SW)
}

// ParseResponse parses a raw response into APDUResponse
func ParseResponse(raw []byte) (APDUResponse, error) {
	if len(raw) < 2 {
		return APDUResponse{}, errors.New("response too short")
	}
	return APDUResponse{
		Data: raw[:len(raw)-2],
		SW:   StatusWord(binary.BigEndian.Uint16(raw[len(raw)-2:])),
	}, nil
}

// BuildCommand constructs a short command APDU. Data longer than 255 bytes
// cannot be expressed and yields nil.
func BuildCommand(cla, ins, p1, p2 byte, data []byte, le *byte) []byte {
	if len(data) > 0xFF {
		return nil
	}
	cmd := []byte{cla, ins, p1, p2}

	if len(data) > 0 {
		cmd = append(cmd, byte(len(data)))
		cmd = append(cmd, data...)
	}

	if le != nil {
		cmd = append(cmd, *le)
	}

	return cmd
}

// SelectByNameAPDU returns the APDU for selecting an application by AID
func SelectByNameAPDU(aid []byte) []byte {
	le := byte(0x00)
	return BuildCommand(CLAStandard, INSSelect, P1SelectByName, 0x00, aid, &le)
}
