package protocol

import (
	"fmt"
	"io"
	"strings"

	"github.com/gutshub/guts/pkg/object"
	"github.com/gutshub/guts/pkg/refs"
)

// Service names accepted on the smart HTTP surface.
const (
	ServiceUploadPack  = "git-upload-pack"
	ServiceReceivePack = "git-receive-pack"
)

// CapabilitiesForService returns the capability list advertised for a
// service, or an error for unknown services.
func CapabilitiesForService(service string) ([]string, error) {
	switch service {
	case ServiceUploadPack:
		return UploadPackCapabilities, nil
	case ServiceReceivePack:
		return ReceivePackCapabilities, nil
	default:
		return nil, fmt.Errorf("unknown service %q", service)
	}
}

// AdvertiseOptions controls reference advertisement.
type AdvertiseOptions struct {
	// Head, when non-nil, is advertised first under the name HEAD so
	// clients can pick a default branch.
	Head *refs.Ref

	// SmartHTTP prepends the "# service=…" prelude required by the smart
	// HTTP transport.
	SmartHTTP bool
}

// Advertise writes the reference advertisement for service. The first
// line carries the capability list after a NUL; a repository with no refs
// advertises capabilities on the zero id under the reserved name
// "capabilities^{}".
func Advertise(w io.Writer, service string, list []refs.Ref, opts AdvertiseOptions) error {
	capList, err := CapabilitiesForService(service)
	if err != nil {
		return err
	}
	caps := strings.Join(capList, " ")

	pw := NewPktWriter(w)
	if opts.SmartHTTP {
		if err := pw.WriteLine("# service=" + service); err != nil {
			return err
		}
		if err := pw.Flush(); err != nil {
			return err
		}
	}

	lines := make([]refs.Ref, 0, len(list)+1)
	if opts.Head != nil {
		lines = append(lines, refs.Ref{Name: "HEAD", Target: opts.Head.Target})
	}
	lines = append(lines, list...)

	if len(lines) == 0 {
		empty := fmt.Sprintf("%s capabilities^{}\x00%s", object.ZeroID, caps)
		if err := pw.WriteLine(empty); err != nil {
			return err
		}
		return pw.Flush()
	}

	for i, ref := range lines {
		line := fmt.Sprintf("%s %s", ref.Target, ref.Name)
		if i == 0 {
			line += "\x00" + caps
		}
		if err := pw.WriteLine(line); err != nil {
			return err
		}
	}
	return pw.Flush()
}
