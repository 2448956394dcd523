// Command mcu-console is an interactive console for driving lifecycle
// transitions (§6) against an in-process simulated lifecycle controller
// (localLifecycle); its raw command puts the terminal in raw mode to read
// a single keystroke the way keyswap/permissionsedit do.
package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/rotmcu/corefw/rom"
)

// lifecycleStateNames mirrors rom.LifecycleState's String-free enum for
// display purposes.
var lifecycleStateNames = []string{
	"Raw",
	"TestUnlocked0", "TestUnlocked1", "TestUnlocked2", "TestUnlocked3",
	"TestUnlocked4", "TestUnlocked5", "TestUnlocked6", "TestUnlocked7",
	"TestLocked0", "TestLocked1", "TestLocked2", "TestLocked3",
	"TestLocked4", "TestLocked5", "TestLocked6",
	"Dev", "Prod", "ProdEnd", "Rma",
}

func stateName(s rom.LifecycleState) string {
	if int(s) < 0 || int(s) >= len(lifecycleStateNames) {
		return "Unknown"
	}
	return lifecycleStateNames[s]
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	dev := newLocalLifecycle(rom.LCRaw)
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("mcu-console: lifecycle transition console (type 'help' for commands)")
	for {
		fmt.Printf("[%s]> ", stateName(dev.State()))
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch fields := strings.Fields(line); fields[0] {
		case "help":
			fmt.Println("commands: state | transition <to> <token-hex> | quit")
		case "state":
			fmt.Println(stateName(dev.State()))
		case "transition":
			if len(fields) != 3 {
				fmt.Println("usage: transition <to-state-index> <token-hex>")
				continue
			}
			runTransition(dev, fields[1], fields[2])
		case "raw":
			b, err := readSingleKeystroke()
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Printf("\r\nread byte: 0x%02x\n", b)
		case "quit", "exit":
			return
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}

func runTransition(dev *localLifecycle, toRaw, tokenHex string) {
	to, err := strconv.Atoi(toRaw)
	if err != nil || to < 0 || to >= len(lifecycleStateNames) {
		fmt.Println("invalid target state index")
		return
	}

	var tok rom.Token
	raw, err := hex.DecodeString(tokenHex)
	if err != nil {
		fmt.Println("invalid token hex")
		return
	}
	if len(raw) > len(tok) {
		raw = raw[:len(tok)]
	}
	copy(tok[:], raw)

	err = dev.Apply(rom.Transition{From: dev.State(), To: rom.LifecycleState(to), Token: tok})
	if err != nil {
		slog.Error("transition rejected", "error", err)
		return
	}
	slog.Info("transition applied", "to", stateName(rom.LifecycleState(to)))
}

// readSingleKeystroke puts stdin into raw mode for the 'raw' command,
// the same pattern keyswap/permissionsedit use for menu-driven input.
func readSingleKeystroke() (byte, error) {
	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return 0, err
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	buf := make([]byte, 1)
	if _, err := os.Stdin.Read(buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}
