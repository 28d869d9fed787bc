// Package device supplies the identifiers a verification request carries
// about the calling device.
package device

import (
	"errors"
	"net"
	"os"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// Properties identify the device a verification is bound to.
type Properties struct {
	DeviceID string
	SourceIP string
	Language string // BCP 47 style, e.g. "en-GB"
}

// Provider returns the current device properties. Implementations must be
// safe for concurrent use.
type Provider interface {
	Properties() Properties
}

// Static is a Provider with fixed values.
type Static Properties

// Properties implements Provider.
func (s Static) Properties() Properties { return Properties(s) }

var errNoMachineID = errors.New("no machine id found")

// machineIDFiles are checked in order for a stable host identifier.
var machineIDFiles = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
	"/sys/class/dmi/id/product_uuid",
}

// Detect derives properties from the host. The device id is a name based
// UUID of the machine id so the raw identifier never leaves the host; when
// no machine id is readable a random UUID is used for the process lifetime.
// Any non-empty field of override wins over the detected value.
func Detect(override Properties) Static {
	p := Properties{
		DeviceID: deviceID(),
		SourceIP: sourceIP(),
		Language: Language(os.Getenv("LC_ALL"), os.Getenv("LANG")),
	}
	if override.DeviceID != "" {
		p.DeviceID = override.DeviceID
	}
	if override.SourceIP != "" {
		p.SourceIP = override.SourceIP
	}
	if override.Language != "" {
		p.Language = override.Language
	}
	return Static(p)
}

func deviceID() string {
	id, err := readMachineID()
	if err != nil {
		return uuid.NewString()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(runtime.GOOS+":"+id)).String()
}

func readMachineID() (string, error) {
	for _, path := range machineIDFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}
	return "", errNoMachineID
}

// sourceIP returns the first non-loopback IPv4 address, or "" if none.
func sourceIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}

// Language converts the first usable POSIX locale ("en_GB.UTF-8") into a
// language tag ("en-GB"). "C" and "POSIX" yield "".
func Language(locales ...string) string {
	for _, l := range locales {
		if i := strings.IndexAny(l, ".@"); i >= 0 {
			l = l[:i]
		}
		l = strings.TrimSpace(l)
		if l == "" || l == "C" || l == "POSIX" {
			continue
		}
		return strings.ReplaceAll(l, "_", "-")
	}
	return ""
}
