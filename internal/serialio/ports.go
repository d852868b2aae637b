package serialio

import (
	"fmt"
	"sort"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/joescharf/serialmon/internal/models"
)

// ListPorts enumerates serial ports, with USB details where the platform
// provides them.
func ListPorts() ([]models.PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		names, nerr := serial.GetPortsList()
		if nerr != nil {
			return nil, fmt.Errorf("list ports: %w", err)
		}
		out := make([]models.PortInfo, 0, len(names))
		for _, n := range names {
			out = append(out, models.PortInfo{Name: n})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out, nil
	}

	out := make([]models.PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, models.PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
