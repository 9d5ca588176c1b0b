package main

import (
	"fmt"
	"os"

	"github.com/mil-ad/eegmenu/internal/tui"
)

const usage = "usage: eegmenu <daemon [-config path] [-debug]|status|connect|disconnect|tap <option>|ui>"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "daemon":
		err = runDaemon(os.Args[2:])
	case "status", "connect", "disconnect":
		err = runCommand(IPCRequest{Command: os.Args[1]})
	case "tap":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: eegmenu tap <option>")
			os.Exit(1)
		}
		err = runCommand(IPCRequest{Command: "tap", Option: os.Args[2]})
	case "ui":
		err = tui.Run(socketClient{sock: socketPath()})
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n%s\n", os.Args[1], usage)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
