// Package autostart registers the watch command to start at user login
package autostart

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	appName  = "glucose-scraper"
	appLabel = "com.mrcode.glucose-scraper"

	osLinux   = "linux"
	osWindows = "windows"
	osDarwin  = "darwin"

	windowsRunKey = `HKCU\Software\Microsoft\Windows\CurrentVersion\Run`
)

// ErrUnsupported is returned on platforms without a login-item mechanism
var ErrUnsupported = errors.New("autostart is not supported on this platform")

// Installer writes the per-user login entry that runs "watch"
type Installer struct {
	GOOS       string
	HomeDir    string
	ConfigDir  string // XDG config home on Linux
	Executable string
	ConfigPath string // passed to watch as --config when set

	// run executes external tools (reg, launchctl)
	run     func(name string, args ...string) error
	systemd unitManager
}

// New returns an installer for the current user and binary
func New(configPath string) (*Installer, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	if configPath != "" {
		if configPath, err = filepath.Abs(configPath); err != nil {
			return nil, err
		}
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		configDir = filepath.Join(home, ".config")
	}

	return &Installer{
		GOOS:       runtime.GOOS,
		HomeDir:    home,
		ConfigDir:  configDir,
		Executable: execPath,
		ConfigPath: configPath,
		run:        runCommand,
		systemd:    dbusUnitManager{},
	}, nil
}

func runCommand(name string, args ...string) error {
	//nolint:gosec // G204: arguments are built from fixed names and os.Executable()
	return exec.Command(name, args...).Run()
}

// Args returns the command line the login entry starts
func (i *Installer) Args() []string {
	args := []string{i.Executable, "watch"}
	if i.ConfigPath != "" {
		args = append(args, "--config", i.ConfigPath)
	}
	return args
}

// Path returns the file the entry is written to. Windows uses the registry
// and returns the key instead.
func (i *Installer) Path() (string, error) {
	switch i.GOOS {
	case osLinux:
		return filepath.Join(i.ConfigDir, "systemd", "user", appName+".service"), nil
	case osDarwin:
		return filepath.Join(i.HomeDir, "Library", "LaunchAgents", appLabel+".plist"), nil
	case osWindows:
		return windowsRunKey + `\` + appName, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupported, i.GOOS)
	}
}

// IsEnabled checks if auto-start is enabled
func (i *Installer) IsEnabled() (bool, error) {
	if i.GOOS == osWindows {
		return i.run("reg", "query", windowsRunKey, "/v", appName) == nil, nil
	}

	path, err := i.Path()
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// Enable writes the login entry
func (i *Installer) Enable() error {
	switch i.GOOS {
	case osWindows:
		return i.run("reg", "add", windowsRunKey, "/v", appName, "/t", "REG_SZ", "/d", windowsCommandLine(i.Args()), "/f")
	case osLinux:
		if err := i.writeEntry(i.systemdUnit()); err != nil {
			return err
		}
		// A session without a user manager still gets the unit file
		if err := i.systemd.Reload(); err != nil {
			return nil
		}
		return i.systemd.EnableUnit(appName + ".service")
	case osDarwin:
		return i.writeEntry(i.launchAgent())
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, i.GOOS)
	}
}

// Disable removes the login entry. Removing a missing entry is not an error.
func (i *Installer) Disable() error {
	switch i.GOOS {
	case osWindows:
		err := i.run("reg", "delete", windowsRunKey, "/v", appName, "/f")
		if err != nil && strings.Contains(err.Error(), "not exist") {
			return nil
		}
		return err
	case osLinux:
		_ = i.systemd.DisableUnit(appName + ".service")
	case osDarwin:
		path, err := i.Path()
		if err != nil {
			return err
		}
		// Unload the agent first (ignore errors as the file may not be loaded)
		_ = i.run("launchctl", "unload", path)
	}

	path, err := i.Path()
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (i *Installer) writeEntry(content string) error {
	path, err := i.Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o600)
}

func (i *Installer) systemdUnit() string {
	return fmt.Sprintf(`[Unit]
Description=Dexcom Share glucose scraper
After=network-online.target

[Service]
Type=simple
ExecStart=%s
Restart=on-failure
RestartSec=60

[Install]
WantedBy=default.target
`, systemdCommandLine(i.Args()))
}

func (i *Installer) launchAgent() string {
	var args strings.Builder
	for _, a := range i.Args() {
		fmt.Fprintf(&args, "        <string>%s</string>\n", xmlEscape(a))
	}

	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>%s</string>
    <key>ProgramArguments</key>
    <array>
%s    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
</dict>
</plist>
`, appLabel, args.String())
}

func systemdCommandLine(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if strings.ContainsAny(a, " \t\"\\") {
			a = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(a) + `"`
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}

func windowsCommandLine(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if strings.ContainsAny(a, " \t") {
			a = `"` + a + `"`
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}

func xmlEscape(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}
