// Command hcereader drives a real contactless reader through libnfc against
// a phone or board running davi-nfcd: it selects an AID (the self-test
// applet by default) and prints every exchange.
package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	libnfc "github.com/clausecker/nfc/v2"
	"github.com/spf13/pflag"

	"github.com/dotside-studios/davi-nfcd/hce"
	"github.com/dotside-studios/davi-nfcd/nfc"
	"github.com/dotside-studios/davi-nfcd/protocol"
)

func main() {
	fs := pflag.NewFlagSet("hcereader", pflag.ContinueOnError)
	device := fs.String("device", "", "libnfc connection string (empty picks the first reader)")
	aidFlag := fs.String("aid", hce.SelfTestAID, "AID to select")
	commands := fs.StringArray("apdu", nil, "hex command APDU to send after SELECT (repeatable)")
	list := fs.Bool("list", false, "list readers and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	if *list {
		devices, err := libnfc.ListDevices()
		if err != nil {
			log.Fatalf("List readers: %v", err)
		}
		for _, d := range devices {
			fmt.Println(d)
		}
		return
	}

	aid, err := protocol.ParseHex(*aidFlag)
	if err != nil {
		log.Fatalf("Invalid AID: %v", err)
	}
	if _, err := nfc.NormalizeAID(nfc.BytesToHex(aid)); err != nil {
		log.Fatalf("Invalid AID: %v", err)
	}
	var cmds [][]byte
	for _, c := range *commands {
		raw, err := protocol.ParseHex(c)
		if err != nil {
			log.Fatalf("Invalid APDU %q: %v", c, err)
		}
		if _, err := nfc.ParseCommand(raw); err != nil {
			log.Fatalf("Invalid APDU %q: %v", c, err)
		}
		cmds = append(cmds, raw)
	}

	card, err := openCard(*device)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer card.Close()

	exchanges, err := RunSession(card, aid, cmds)
	PrintExchanges(os.Stdout, exchanges)
	if err != nil {
		log.Fatalf("Session failed: %v", err)
	}
}

// libnfcCard is an ISO 14443-4A target selected on a libnfc reader.
type libnfcCard struct {
	dev libnfc.Device
}

func openCard(connstring string) (*libnfcCard, error) {
	dev, err := libnfc.Open(connstring)
	if err != nil {
		return nil, fmt.Errorf("open reader %q: %w", connstring, err)
	}
	if err := dev.InitiatorInit(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("initiator init: %w", err)
	}
	log.Printf("Reader %s (%s)", dev.String(), dev.Connection())

	modulation := libnfc.Modulation{Type: libnfc.ISO14443a, BaudRate: libnfc.Nbr106}
	target, err := dev.InitiatorSelectPassiveTarget(modulation, nil)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("no card in field: %w", err)
	}
	if iso, ok := target.(*libnfc.ISO14443aTarget); ok {
		if iso.Sak&0x20 == 0 {
			dev.Close()
			return nil, fmt.Errorf("target SAK %02X does not support ISO 14443-4", iso.Sak)
		}
		if iso.UIDLen > 0 && int(iso.UIDLen) <= len(iso.UID) {
			log.Printf("Target UID %s", nfc.BytesToHex(iso.UID[:iso.UIDLen]))
		}
	}
	return &libnfcCard{dev: dev}, nil
}

func (c *libnfcCard) Transceive(apdu []byte) ([]byte, error) {
	var rx [262]byte
	n, err := c.dev.InitiatorTransceiveBytes(apdu, rx[:], 0)
	if err != nil {
		return nil, fmt.Errorf("transceive: %w", err)
	}
	return rx[:n], nil
}

func (c *libnfcCard) Close() error {
	return c.dev.Close()
}
