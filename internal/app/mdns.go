package app

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_camrelay._tcp"
	mdnsDomain      = "local."
)

// startMDNS advertises the relay on the local network so cameras can find it
// without hardcoded addresses. The TXT record carries both the HTTP and MQTT
// ports; the service port is the HTTP one.
func (a *App) startMDNS() error {
	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "camrelay"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("Camera Relay (%s)", hostname))

	txt := []string{
		fmt.Sprintf("http_port=%d", a.cfg.HTTPPort),
		"proto=v1",
	}
	if a.cfg.MQTTBindAddress != "" {
		if mqttPort, err := bindPort(a.cfg.MQTTBindAddress); err == nil {
			txt = append(txt, fmt.Sprintf("mqtt_port=%d", mqttPort))
		}
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, a.cfg.HTTPPort, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", a.cfg.HTTPPort)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.ReplaceAll(cleaned, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, ".", " ")
	cleaned = strings.ReplaceAll(cleaned, "_", " ")
	if cleaned == "" {
		cleaned = "Camera Relay"
	}
	// Instance names are capped at 63 characters.
	runes := []rune(cleaned)
	if len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}

func bindPort(bind string) (int, error) {
	_, portStr, err := net.SplitHostPort(bind)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
