package systemd

import (
	"fmt"
	"net"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
)

// Listeners holds all systemd-activated listeners
type Listeners struct {
	Control   net.Listener
	Metrics   net.Listener
	Activated bool
}

// GetListeners retrieves systemd socket-activated file descriptors
// Returns nil listeners if not running under socket activation
func GetListeners() (*Listeners, error) {
	listeners := &Listeners{
		Activated: false,
	}

	// Check if systemd socket activation is available
	fds := activation.Files(false) // false = don't unset env vars
	if len(fds) == 0 {
		return listeners, nil
	}

	listeners.Activated = true

	// Get named listeners from systemd
	// The names are defined in presentd.socket unit files
	// using FileDescriptorName= directives
	listenersMap, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}

	// Expected names: control, metrics

	if lns, ok := listenersMap["control"]; ok && len(lns) > 0 {
		listeners.Control = lns[0]
	}

	if lns, ok := listenersMap["metrics"]; ok && len(lns) > 0 {
		listeners.Metrics = lns[0]
	}

	return listeners, nil
}

// NotifyReady sends READY=1 notification to systemd
// This tells systemd that the service has finished starting up
func NotifyReady() error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		return fmt.Errorf("failed to send sd_notify: %w", err)
	}
	return nil
}

// NotifyStopping sends STOPPING=1 notification to systemd
// This tells systemd that the service is shutting down
func NotifyStopping() error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		return fmt.Errorf("failed to send sd_notify stopping: %w", err)
	}
	return nil
}

// NotifyWatchdog sends WATCHDOG=1 notification to systemd
// This should be called periodically to prevent watchdog timeout
func NotifyWatchdog() error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
	if err != nil {
		return fmt.Errorf("failed to send sd_notify watchdog: %w", err)
	}
	return nil
}
