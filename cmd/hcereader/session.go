package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/dotside-studios/davi-nfcd/nfc"
	"github.com/dotside-studios/davi-nfcd/protocol"
)

// Transceiver exchanges one APDU with the emulated card.
type Transceiver interface {
	Transceive(apdu []byte) ([]byte, error)
}

// Exchange is one command and the card's answer.
type Exchange struct {
	Command  []byte
	Response nfc.APDUResponse
}

// RunSession selects aid and then sends each command in order. It stops at the
// first transport error or when the SELECT is refused.
func RunSession(card Transceiver, aid []byte, commands [][]byte) ([]Exchange, error) {
	var out []Exchange

	send := func(cmd []byte) (nfc.APDUResponse, error) {
		raw, err := card.Transceive(cmd)
		if err != nil {
			return nfc.APDUResponse{}, err
		}
		resp, err := nfc.ParseResponse(raw)
		if err != nil {
			return nfc.APDUResponse{}, err
		}
		out = append(out, Exchange{Command: cmd, Response: resp})
		return resp, nil
	}

	sel, err := send(nfc.SelectByNameAPDU(aid))
	if err != nil {
		return out, fmt.Errorf("select %s: %w", nfc.BytesToHex(aid), err)
	}
	if !sel.IsSuccess() {
		return out, fmt.Errorf("select %s refused: %w", nfc.BytesToHex(aid), sel.Error())
	}

	for _, cmd := range commands {
		if _, err := send(cmd); err != nil {
			return out, fmt.Errorf("command %s: %w", nfc.BytesToHex(cmd), err)
		}
	}
	return out, nil
}

var (
	cmdFmt = color.New(color.FgCyan).SprintFunc()
	okFmt  = color.New(color.FgGreen).SprintFunc()
	errFmt = color.New(color.FgRed, color.Bold).SprintFunc()
)

// PrintExchanges writes one ">> command / << response SW" pair per exchange.
// Status words are green on success and red otherwise when w is a terminal.
func PrintExchanges(w io.Writer, exchanges []Exchange) {
	for _, ex := range exchanges {
		fmt.Fprintf(w, ">> %s\n", cmdFmt(protocol.FormatHex(ex.Command)))

		swFmt := errFmt
		if ex.Response.IsSuccess() {
			swFmt = okFmt
		}
		sw := swFmt(fmt.Sprintf("%04X (%s)", uint16(ex.Response.SW), ex.Response.SW))
		if len(ex.Response.Data) > 0 {
			fmt.Fprintf(w, "<< %s %s\n", protocol.FormatHex(ex.Response.Data), sw)
		} else {
			fmt.Fprintf(w, "<< %s\n", sw)
		}
	}
}
