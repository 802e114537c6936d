package autostart

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	systemdDest = "org.freedesktop.systemd1"
	systemdPath = dbus.ObjectPath("/org/freedesktop/systemd1")
	managerIfc  = "org.freedesktop.systemd1.Manager"
)

// unitManager is the part of the systemd user manager the installer needs
type unitManager interface {
	Reload() error
	EnableUnit(name string) error
	DisableUnit(name string) error
}

// dbusUnitManager talks to the user's systemd instance over the session bus
type dbusUnitManager struct{}

func (dbusUnitManager) call(method string, out []any, args ...any) error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connect session bus: %w", err)
	}
	defer func() { _ = conn.Close() }()

	call := conn.Object(systemdDest, systemdPath).Call(managerIfc+"."+method, 0, args...)
	if call.Err != nil {
		return fmt.Errorf("systemd %s: %w", method, call.Err)
	}
	if len(out) > 0 {
		return call.Store(out...)
	}
	return nil
}

func (m dbusUnitManager) Reload() error {
	return m.call("Reload", nil)
}

// unitChange mirrors the (type, file, destination) tuples systemd reports
type unitChange struct {
	Type        string
	Filename    string
	Destination string
}

func (m dbusUnitManager) EnableUnit(name string) error {
	var carriesInstallInfo bool
	var changes []unitChange
	return m.call("EnableUnitFiles", []any{&carriesInstallInfo, &changes}, []string{name}, false, true)
}

func (m dbusUnitManager) DisableUnit(name string) error {
	var changes []unitChange
	return m.call("DisableUnitFiles", []any{&changes}, []string{name}, false)
}
