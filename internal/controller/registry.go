package controller

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"mff-controller/internal/store"
)

// ErrNoDevice is returned when the device identity has not been read yet.
var ErrNoDevice = errors.New("device identity not known yet")

// observeIdentity folds identity fields into the device record and upserts it
// in the registry once the serial number is known.
func (c *Controller) observeIdentity(f FieldDescriptor, value any, now time.Time) {
	c.devMu.Lock()
	var changed bool
	switch f.Name {
	case FieldModel:
		s, _ := value.(string)
		changed = c.device.Model != s
		c.device.Model = s
	case FieldFirmwareVersion:
		s, _ := value.(string)
		changed = c.device.FirmwareVersion != s
		c.device.FirmwareVersion = s
	case FieldSerialNo:
		n, _ := value.(int64)
		serial := strconv.FormatInt(n, 10)
		if serial != c.device.SerialNo {
			c.adoptSerial(serial, now)
			changed = true
		} else if now.Sub(c.lastSeenSave) >= f.Read.Period {
			c.device.LastSeen = now
			c.persistDevice(now)
		}
	default:
		c.devMu.Unlock()
		return
	}
	if changed && c.device.SerialNo != "" {
		c.device.LastSeen = now
		c.persistDevice(now)
	}
	dev := c.device
	c.devMu.Unlock()

	if changed && dev.SerialNo != "" {
		c.emitDeviceInfo(dev, now)
	}
}

// adoptSerial switches the record to a new serial number, merging whatever the
// registry already knows about it. devMu must be held.
func (c *Controller) adoptSerial(serial string, now time.Time) {
	dev := store.Device{
		SerialNo:        serial,
		Model:           c.device.Model,
		FirmwareVersion: c.device.FirmwareVersion,
		Port:            c.port,
		FirstSeen:       now,
	}
	if c.store != nil {
		known, err := c.store.GetDevice(serial)
		switch {
		case err == nil:
			dev.FirstSeen = known.FirstSeen
			dev.FriendlyName = known.FriendlyName
			if dev.Model == "" {
				dev.Model = known.Model
			}
			if dev.FirmwareVersion == "" {
				dev.FirmwareVersion = known.FirmwareVersion
			}
		case !errors.Is(err, store.ErrNotFound):
			c.logger.Error("load device", "serial", serial, "err", err)
		}
	}
	if c.device.SerialNo != "" {
		c.logger.Warn("serial number changed", "old", c.device.SerialNo, "new", serial)
	} else {
		c.logger.Info("device identified", "serial", serial, "model", dev.Model)
	}
	c.device = dev
	c.updateSession(func(sess *store.Session) { sess.SerialNo = serial })
}

// persistDevice writes the in-memory record. devMu must be held.
func (c *Controller) persistDevice(now time.Time) {
	if c.store == nil {
		return
	}
	dev := c.device
	if err := c.store.SaveDevice(&dev); err != nil {
		c.logger.Error("save device", "serial", dev.SerialNo, "err", err)
		return
	}
	c.lastSeenSave = now
}

func (c *Controller) emitDeviceInfo(dev store.Device, now time.Time) {
	c.events.Emit(Event{
		Type: EventDeviceInfo,
		Value: map[string]any{
			"serial_no":        dev.SerialNo,
			"model":            dev.Model,
			"firmware_version": dev.FirmwareVersion,
			"name":             dev.Name(),
		},
		Time: now,
	})
}

// DeviceInfo returns the identity of the connected device. SerialNo is empty
// until the serial number has been read.
func (c *Controller) DeviceInfo() store.Device {
	c.devMu.Lock()
	defer c.devMu.Unlock()
	return c.device
}

// RenameDevice sets the friendly name used for MQTT topics and display.
func (c *Controller) RenameDevice(name string) error {
	c.devMu.Lock()
	if c.device.SerialNo == "" {
		c.devMu.Unlock()
		return ErrNoDevice
	}
	dev := c.device
	dev.FriendlyName = name
	if c.store != nil {
		err := c.store.UpdateDevice(dev.SerialNo, func(d *store.Device) error {
			d.FriendlyName = name
			return nil
		})
		if errors.Is(err, store.ErrNotFound) {
			err = c.store.SaveDevice(&dev)
		}
		if err != nil {
			c.devMu.Unlock()
			return fmt.Errorf("rename device: %w", err)
		}
	}
	c.device = dev
	c.devMu.Unlock()

	c.logger.Info("device renamed", "serial", dev.SerialNo, "name", name)
	c.emitDeviceInfo(dev, c.now())
	return nil
}

func (c *Controller) saveSession(closed bool) {
	if c.store == nil {
		return
	}
	now := c.now()
	if closed {
		c.updateSession(func(sess *store.Session) { sess.ClosedAt = now })
		return
	}
	err := c.store.SaveSession(&store.Session{Port: c.port, Driver: c.driver, ConnectedAt: now})
	if err != nil {
		c.logger.Error("save session", "err", err)
	}
}

func (c *Controller) updateSession(fn func(*store.Session)) {
	if c.store == nil {
		return
	}
	sess, err := c.store.GetSession()
	if err != nil {
		c.logger.Error("load session", "err", err)
		return
	}
	fn(sess)
	if err := c.store.SaveSession(sess); err != nil {
		c.logger.Error("save session", "err", err)
	}
}
