// Package procfs samples host network counters from /proc.
package procfs

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// NetDev sums received and transmitted bytes of every non-loopback
// interface of a proc filesystem.
type NetDev struct {
	mountPoint string
}

// NewNetDev samples the proc filesystem mounted at mountPoint, /proc when empty.
func NewNetDev(mountPoint string) *NetDev {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	return &NetDev{mountPoint: mountPoint}
}

func (n *NetDev) Sample() (uint64, error) {
	fs, err := procfs.NewFS(n.mountPoint)
	if err != nil {
		return 0, err
	}
	dev, err := fs.NetDev()
	if err != nil {
		return 0, fmt.Errorf("read net dev: %w", err)
	}
	return sumTraffic(dev)
}

func sumTraffic(dev procfs.NetDev) (uint64, error) {
	var total uint64
	var seen int
	for name, line := range dev {
		if name == "lo" {
			continue
		}
		total += line.RxBytes + line.TxBytes
		seen++
	}
	if seen == 0 {
		return 0, fmt.Errorf("no network interfaces besides loopback")
	}
	return total, nil
}
