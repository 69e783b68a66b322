package hce

import (
	"github.com/dotside-studios/davi-nfcd/nfc"
)

// Built-in self-test applet. A reader can SELECT it to check that the
// daemon is routing HCE traffic at all.
const (
	SelfTestPackage = "davi-nfcd.selftest"
	SelfTestAID     = "F04441564946434400" // F0 "DAVIFCD" 00

	// InsEcho returns the command data followed by 9000.
	InsEcho = 0x10
)

// NewSelfTestListener answers SELECT with the daemon version and echoes
// InsEcho payloads.
func NewSelfTestListener(version string) Listener {
	return NewFuncListener(func(raw []byte) []byte {
		cmd, err := nfc.ParseCommand(raw)
		if err != nil {
			return nfc.EncodeResponse(nfc.SWWrongLength, nil)
		}
		switch {
		case cmd.IsSelectByName():
			return nfc.EncodeResponse(nfc.SWSuccess, []byte(version))
		case cmd.INS == InsEcho:
			return nfc.EncodeResponse(nfc.SWSuccess, cmd.Data)
		default:
			return nfc.EncodeResponse(nfc.SWInstructionNotSupported, nil)
		}
	}, nil)
}
