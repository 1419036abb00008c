// Command dutymacctl issues one-off control requests directly to a
// radio device over serial, without running the full MAC controller —
// the counterpart to the teacher's npioff utility.
package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/hamilton-mote/dutymac/netdev"
	"github.com/hamilton-mote/dutymac/netdev/npiserial"
)

var (
	serialPath = kingpin.Flag("device", "Path to serial port device").Required().String()
	baudRate   = kingpin.Flag("baud", "Serial port baud rate").Default("115200").Uint()

	stateCmd   = kingpin.Command("state", "Get or set the radio's operating state")
	stateValue = stateCmd.Arg("value", "off|sleep|idle|rx (omit to read the current state)").String()

	channelCmd   = kingpin.Command("channel", "Get or set the radio channel")
	channelValue = channelCmd.Arg("value", "channel number (omit to read)").Uint8()

	txpowerCmd   = kingpin.Command("txpower", "Set the TX power (the current power is not read)")
	txpowerValue = txpowerCmd.Arg("value", "TX power in dBm (omitted means 0)").Int8()
)

var stateNames = map[string]netdev.State{
	"off":   netdev.StateOff,
	"sleep": netdev.StateSleep,
	"idle":  netdev.StateIdle,
	"rx":    netdev.StateRX,
}

func main() {
	kingpin.Version("0.1")
	cmd := kingpin.Parse()

	phy, err := npiserial.Open(*serialPath, *baudRate)
	if err != nil {
		fmt.Printf("error opening serial port: %v\n", err)
		os.Exit(1)
	}
	dev := npiserial.New(phy)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := dev.Init(ctx); err != nil {
		fmt.Printf("error initializing device: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case stateCmd.FullCommand():
		if *stateValue == "" {
			buf := make([]byte, 1)
			if _, err := dev.Get(netdev.OptState, buf); err != nil {
				fail(err)
			}
			fmt.Printf("state: %d\n", buf[0])
			return
		}
		s, ok := stateNames[*stateValue]
		if !ok {
			fmt.Printf("unknown state %q (want off|sleep|idle|rx)\n", *stateValue)
			os.Exit(1)
		}
		if _, err := dev.Set(netdev.OptState, []byte{byte(s)}); err != nil {
			fail(err)
		}

	case channelCmd.FullCommand():
		if *channelValue == 0 {
			buf := make([]byte, 1)
			if _, err := dev.Get(netdev.OptChannel, buf); err != nil {
				fail(err)
			}
			fmt.Printf("channel: %d\n", buf[0])
			return
		}
		if _, err := dev.Set(netdev.OptChannel, []byte{*channelValue}); err != nil {
			fail(err)
		}

	case txpowerCmd.FullCommand():
		buf := make([]byte, 1)
		buf[0] = byte(*txpowerValue)
		if _, err := dev.Set(netdev.OptTXPower, buf); err != nil {
			fail(err)
		}
	}
}

func fail(err error) {
	fmt.Printf("error: %v\n", err)
	os.Exit(1)
}
