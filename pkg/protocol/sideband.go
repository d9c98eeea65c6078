package protocol

import "fmt"

// Side-band channels multiplexed over pkt-line frames.
const (
	sidebandData     byte = 1
	sidebandProgress byte = 2
	sidebandError    byte = 3
)

// sidebandWriter chunks a byte stream onto one side-band channel.
type sidebandWriter struct {
	pw      *PktWriter
	channel byte
}

func (sw *sidebandWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := len(p)
		if chunk > MaxPacketData-1 {
			chunk = MaxPacketData - 1
		}
		frame := make([]byte, 1+chunk)
		frame[0] = sw.channel
		copy(frame[1:], p[:chunk])
		if err := sw.pw.WritePacket(frame); err != nil {
			return total, err
		}
		total += chunk
		p = p[chunk:]
	}
	return total, nil
}

// progressf writes a formatted progress message on the side-band progress
// channel.
func progressf(pw *PktWriter, format string, args ...any) error {
	sw := &sidebandWriter{pw: pw, channel: sidebandProgress}
	_, err := fmt.Fprintf(sw, format, args...)
	return err
}
