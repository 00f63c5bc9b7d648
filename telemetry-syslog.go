package dnshield

import (
	"fmt"

	syslog "github.com/RackSec/srslog"
)

// SyslogTransport sends each telemetry batch to a syslog server, one
// line per event, formatted as space-separated key=value pairs. It's an
// optional TelemetryTransport alongside whatever HTTP endpoint transport
// the host provides.
type SyslogTransport struct {
	writer *syslog.Writer
	tag    string
}

// SyslogTransportOptions configures a SyslogTransport.
type SyslogTransportOptions struct {
	Network  string // "udp", "tcp", "unix"; empty dials the local syslog daemon
	Address  string // ignored when Network is empty
	Priority int
	Tag      string
}

// NewSyslogTransport dials the configured syslog server. A dial failure
// is logged and yields a transport whose Send always errors, rather than
// failing construction outright.
func NewSyslogTransport(opt SyslogTransportOptions) *SyslogTransport {
	writer, err := syslog.Dial(opt.Network, opt.Address, syslog.Priority(opt.Priority), opt.Tag)
	if err != nil {
		Log.WithFields(map[string]interface{}{"err": err}).Error("failed to initialize syslog telemetry transport")
	}
	return &SyslogTransport{writer: writer, tag: opt.Tag}
}

// Send writes one syslog line per event in batch.
func (t *SyslogTransport) Send(batch []Event) error {
	if t.writer == nil {
		return fmt.Errorf("syslog telemetry transport not connected")
	}
	for _, e := range batch {
		line := formatEventLine(e)
		if _, err := t.writer.Write([]byte(line)); err != nil {
			return err
		}
	}
	return nil
}

// formatEventLine renders an Event as space-separated key=value pairs,
// event_type first; the remaining pairs follow in map iteration order,
// which is not fixed.
func formatEventLine(e Event) string {
	line := fmt.Sprintf("event_type=%v", e["event_type"])
	for k, v := range e {
		if k == "event_type" {
			continue
		}
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	return line
}

var _ TelemetryTransport = (*SyslogTransport)(nil)
