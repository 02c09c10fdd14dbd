// Command igmonitor is a lightweight periodic dashboard for iguanaird: it
// polls host CPU/RAM via gopsutil and the daemon's control socket for
// per-device stats on the same interval, grounded on the
// psutil.Percent(0, false)/psmem.VirtualMemory()/tea.Tick(time.Second, ...)
// idiom in _examples/guiperry-HASHER/internal/cli/ui/ui.go's
// updateResourceData, adapted to a plain ticker loop instead of a second
// bubbletea program.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	psutil "github.com/shirou/gopsutil/v3/cpu"
	psmem "github.com/shirou/gopsutil/v3/mem"

	"iguanaird/internal/daemon/registry"
	"iguanaird/internal/protocol/framing"
	"iguanaird/internal/transport"
)

// report is one sample of host and daemon state, emitted every interval.
type report struct {
	Time       time.Time             `json:"time"`
	CPUPercent float64               `json:"cpu_percent"`
	MemPercent float64               `json:"mem_percent"`
	GoVersion  string                `json:"go_version"`
	Devices    []registry.DeviceInfo `json:"devices,omitempty"`
	PollErr    string                `json:"poll_error,omitempty"`
}

func main() {
	socketRoot := flag.String("socket-root", "/var/run/iguanaIR", "directory holding the daemon's control socket")
	interval := flag.Duration("interval", time.Second, "sample interval")
	asJSON := flag.Bool("json", false, "emit one JSON report per line instead of a formatted summary")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r := sample(*socketRoot)
			if *asJSON {
				b, err := json.Marshal(r)
				if err != nil {
					fmt.Fprintf(os.Stderr, "igmonitor: %v\n", err)
					continue
				}
				fmt.Println(string(b))
				continue
			}
			printReport(r)
		}
	}
}

func sample(socketRoot string) report {
	r := report{Time: time.Now(), GoVersion: runtime.Version()}

	cpuPercent, err := psutil.Percent(0, false)
	if err == nil && len(cpuPercent) > 0 {
		r.CPUPercent = cpuPercent[0]
	}
	if memInfo, err := psmem.VirtualMemory(); err == nil {
		r.MemPercent = memInfo.UsedPercent
	}

	devices, err := pollDevices(socketRoot)
	if err != nil {
		r.PollErr = err.Error()
		return r
	}
	r.Devices = devices
	return r
}

// pollDevices queries the daemon's control socket once, the same way
// internal/cli/ui does for igclient's device list.
func pollDevices(socketRoot string) ([]registry.DeviceInfo, error) {
	conn, err := transport.Dial(socketRoot, "ctl")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.WriteFrame(framing.WireFrame{Opcode: registry.CtlList}); err != nil {
		return nil, err
	}
	resp, err := conn.ReadFrame()
	if err != nil {
		return nil, err
	}
	var devices []registry.DeviceInfo
	if err := json.Unmarshal(resp.Payload, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func printReport(r report) {
	fmt.Printf("%s  CPU: %.1f%%  RAM: %.1f%%  Go: %s\n",
		r.Time.Format("15:04:05"), r.CPUPercent, r.MemPercent, r.GoVersion)
	if r.PollErr != "" {
		fmt.Printf("  daemon: %s\n", r.PollErr)
		return
	}
	if len(r.Devices) == 0 {
		fmt.Println("  no devices attached")
		return
	}
	for _, d := range r.Devices {
		fmt.Printf("  device %d  %-20s  requests=%d errors=%d\n", d.ID, d.Location, d.Stats.TotalRequests, d.Stats.TotalErrors)
	}
}
