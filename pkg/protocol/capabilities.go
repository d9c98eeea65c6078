package protocol

import (
	"sort"
	"strings"
)

// Capability names understood by this engine.
const (
	CapReportStatus = "report-status"
	CapDeleteRefs   = "delete-refs"
	CapSideBand64k  = "side-band-64k"
	CapQuiet        = "quiet"
	CapOfsDelta     = "ofs-delta"
	CapMultiAck     = "multi_ack"
	CapThinPack     = "thin-pack"
	CapAgent        = "agent=guts/0.1.0"
)

// UploadPackCapabilities is the capability line advertised for fetches.
var UploadPackCapabilities = []string{
	CapMultiAck, CapThinPack, CapSideBand64k, CapOfsDelta, CapAgent,
}

// ReceivePackCapabilities is the capability line advertised for pushes.
var ReceivePackCapabilities = []string{
	CapReportStatus, CapDeleteRefs, CapSideBand64k, CapQuiet, CapOfsDelta, CapAgent,
}

// Capabilities is the set a client echoed back on its first request line.
type Capabilities map[string]struct{}

// ParseCapabilities splits a space-separated capability list.
func ParseCapabilities(s string) Capabilities {
	caps := make(Capabilities)
	for _, c := range strings.Fields(s) {
		caps[c] = struct{}{}
	}
	return caps
}

// Has reports whether name was requested. Valued capabilities such as
// agent match on the part before '='.
func (c Capabilities) Has(name string) bool {
	if _, ok := c[name]; ok {
		return true
	}
	for entry := range c {
		if key, _, found := strings.Cut(entry, "="); found && key == name {
			return true
		}
	}
	return false
}

// String returns the sorted space-separated form.
func (c Capabilities) String() string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, " ")
}
