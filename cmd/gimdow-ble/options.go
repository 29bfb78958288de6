package main

import (
	"github.com/chaz8081/gimdow-ble/internal/ble"
	"github.com/chaz8081/gimdow-ble/internal/config"
	"github.com/chaz8081/gimdow-ble/internal/device"
	"github.com/chaz8081/gimdow-ble/internal/mqtt"
)

// credentials maps the device section onto BLE credentials.
func credentials(cfg *config.Config) ble.Credentials {
	return ble.Credentials{
		Address:  cfg.Device.Address,
		UUID:     cfg.Device.UUID,
		LocalKey: cfg.Device.LocalKey,
		DeviceID: cfg.Device.DeviceID,
	}
}

// deviceOptions maps config onto the device facade options.
func deviceOptions(cfg *config.Config) device.Options {
	opts := device.DefaultOptions()

	opts.Client.ReconnectMax = config.Seconds(cfg.BLE.ReconnectMax)
	opts.Client.ConnectTimeout = config.Seconds(cfg.BLE.ConnectTimeout)
	opts.Client.Transport.MTU = cfg.BLE.MTU
	opts.Client.SignalScan = config.Seconds(cfg.BLE.SignalScan)
	opts.PollInterval = config.Seconds(cfg.BLE.PollInterval)

	opts.Dispatch.Timeout = config.Seconds(cfg.Commands.Timeout)
	opts.Dispatch.MaxAttempts = cfg.Commands.MaxAttempts
	opts.Dispatch.MaxInFlight = cfg.Commands.MaxInFlight

	opts.DoorSensor = cfg.HasDoorSensor()
	opts.Lock.VirtualAutoLock = cfg.AutoLock.Enabled
	opts.Lock.AutoLockDelay = config.Seconds(cfg.AutoLock.Delay)
	return opts
}

func topics(cfg *config.Config) mqtt.Topics {
	return mqtt.Topics{Prefix: cfg.MQTT.TopicPrefix, DeviceID: cfg.Device.DeviceID}
}
