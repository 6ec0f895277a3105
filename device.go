package main

import (
	"fmt"

	"orb/audio"
	"orb/log"
)

// resolveDevice turns the -device and -setup flags into a capture device
// choice. nil means the platform default; a name that matches nothing falls
// back to it with a warning rather than refusing to start.
func resolveDevice(ctx audio.Context, name string, setup bool) *audio.DeviceInfo {
	var dev *audio.DeviceInfo
	switch {
	case name != "":
		devices, err := ctx.Devices()
		if err != nil {
			log.Warnf("device enumeration failed: %v", err)
			break
		}
		for i := range devices {
			if devices[i].Name == name {
				dev = &devices[i]
				break
			}
		}
		if dev == nil {
			fmt.Printf("Warning: no capture device named %q, using default\n", name)
			log.Warnf("device %q not found", name)
		}
	case setup:
		var err error
		dev, err = audio.SelectDevice(ctx)
		if err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Printf("Warning: device selection failed: %v\n", err)
			fmt.Println("Falling back to default device")
			dev = nil
		}
	}
	if dev != nil && audio.IsBluetooth(dev.Name) {
		fmt.Printf("Warning: %s looks like a Bluetooth headset; capture quality may be reduced\n", dev.Name)
	}
	return dev
}
