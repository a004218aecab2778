// Package exporter serves the connection registry in the Prometheus
// text exposition format, plus health, version and a live event feed.
package exporter

import (
	"bufio"
	"io"
	"slices"
	"strings"

	"github.com/nugget/wifi-exporter/internal/devices"
)

// MetricName is the series emitted once per known device.
const MetricName = "wifi_client"

// ContentType is the Prometheus text exposition content type.
const ContentType = "text/plain; version=0.0.4; charset=utf-8"

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// Render writes one line per device, sorted by device ID:
//
//	wifi_client{mac="AA:BB:CC:DD:EE:FF"} 1
//
// The sample is 1 for connected devices and 0 otherwise.
func Render(w io.Writer, snapshot map[devices.DeviceID]bool) error {
	ids := make([]devices.DeviceID, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	bw := bufio.NewWriter(w)
	for _, id := range ids {
		value := "0"
		if snapshot[id] {
			value = "1"
		}
		bw.WriteString(MetricName)
		bw.WriteString(`{mac="`)
		bw.WriteString(labelEscaper.Replace(string(id)))
		bw.WriteString(`"} `)
		bw.WriteString(value)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}
