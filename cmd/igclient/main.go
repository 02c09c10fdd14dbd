// Command igclient is a terminal diagnostic client for iguanaird: it
// lists attached transceivers over the control socket and streams one
// device's decoded RECV packets, grounded on cmd/cli/main.go's
// flag-then-tea.NewProgram(...).Run() shape.
package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"iguanaird/internal/cli/ui"
)

func main() {
	socketRoot := flag.String("socket-root", "/var/run/iguanaIR", "directory holding the daemon's per-device and control sockets")
	flag.Parse()

	p := tea.NewProgram(ui.New(*socketRoot), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "igclient: %v\n", err)
		os.Exit(1)
	}
}
