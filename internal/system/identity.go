package system

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"

	"insight-agent/internal/model"
)

const Unavailable = "Unavailable"

// ReadIdentity gathers the device identity. Fields that cannot be read fall
// back to Unavailable or empty, and the returned error joins the failures.
func (fs FS) ReadIdentity() (model.DeviceIdentity, error) {
	var errs []error

	id := model.DeviceIdentity{
		OS:        osName(runtime.GOOS),
		OSVersion: Unavailable,
		MACs:      []string{},
	}

	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		errs = append(errs, fmt.Errorf("hostname: %w", errOrEmpty(err)))
		host = Unavailable
	}
	id.Hostname = host

	if v := fs.osVersion(); v != "" {
		id.OSVersion = v
	} else {
		errs = append(errs, fmt.Errorf("os version: not found"))
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		errs = append(errs, fmt.Errorf("network interfaces: %w", err))
	} else {
		id.MACs = macAddresses(ifaces)
	}

	id.Serial = fs.dmiValue("product_serial")
	id.Model = fs.dmiValue("product_name")
	id.Domain = fs.domain()

	return id, errors.Join(errs...)
}

func (fs FS) osVersion() string {
	raw, err := os.ReadFile(fs.etc("os-release"))
	if err == nil {
		if v := osReleaseValue(string(raw), "PRETTY_NAME"); v != "" {
			return v
		}
	}
	return readTextFile(fs.proc("sys", "kernel", "osrelease"))
}

func osReleaseValue(raw, key string) string {
	for _, line := range strings.Split(raw, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || k != key {
			continue
		}
		return strings.Trim(strings.TrimSpace(v), `"'`)
	}
	return ""
}

func (fs FS) dmiValue(name string) string {
	v := readTextFile(fs.sys("class", "dmi", "id", name))
	switch strings.ToLower(v) {
	case "", "none", "default string", "to be filled by o.e.m.", "system serial number":
		return ""
	}
	return v
}

func (fs FS) domain() string {
	if d := strings.TrimSpace(os.Getenv("USERDOMAIN")); d != "" {
		return d
	}
	d := readTextFile(fs.proc("sys", "kernel", "domainname"))
	if d == "(none)" {
		return ""
	}
	return d
}

func macAddresses(ifaces []net.Interface) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) != 6 {
			continue
		}
		mac := iface.HardwareAddr.String()
		if mac == "00:00:00:00:00:00" {
			continue
		}
		if _, ok := seen[mac]; ok {
			continue
		}
		seen[mac] = struct{}{}
		out = append(out, mac)
	}
	return out
}

func osName(goos string) string {
	switch goos {
	case "linux":
		return "Linux"
	case "darwin":
		return "Darwin"
	case "windows":
		return "Windows"
	case "freebsd":
		return "FreeBSD"
	}
	return goos
}

func errOrEmpty(err error) error {
	if err != nil {
		return err
	}
	return errors.New("empty")
}
