package transport

import (
	"errors"
	"fmt"

	"github.com/google/gousb"
)

// USBConf selects the token on the bus.
type USBConf struct {
	// VendorID and ProductID pin an explicitly authorized device. With no
	// VendorID every device is discovered through RequestAccess.
	VendorID  uint16 `json:"vendor_id"`
	ProductID uint16 `json:"product_id"`

	// Class is the interface class RequestAccess matches on.
	Class uint8 `json:"class"`

	// Interface is the control interface that is claimed.
	Interface int `json:"interface"`
}

const (
	rTypeOut = uint8(gousb.ControlOut | gousb.ControlVendor | gousb.ControlInterface)
	rTypeIn  = uint8(gousb.ControlIn | gousb.ControlVendor | gousb.ControlInterface)
)

// USB is an Authorizer backed by libusb.
type USB struct {
	ctx *gousb.Context
	cfg USBConf
}

// NewUSB initializes libusb. Close must be called to release it.
func NewUSB(cfg USBConf) *USB {
	if cfg.Class == 0 {
		cfg.Class = uint8(gousb.ClassVendorSpec)
	}

	return &USB{
		ctx: gousb.NewContext(),
		cfg: cfg,
	}
}

// Close releases the libusb context.
func (u *USB) Close() error {
	return u.ctx.Close()
}

// ListAuthorized returns the configured vendor/product device if present.
func (u *USB) ListAuthorized() ([]Handle, error) {
	if u.cfg.VendorID == 0 {
		return nil, nil
	}

	h, err := u.first(func(d *gousb.DeviceDesc) bool {
		if uint16(d.Vendor) != u.cfg.VendorID {
			return false
		}
		return u.cfg.ProductID == 0 || uint16(d.Product) == u.cfg.ProductID
	})
	if err != nil || h == nil {
		return nil, err
	}
	return []Handle{h}, nil
}

// RequestAccess scans the bus for a device exposing a vendor specific interface.
func (u *USB) RequestAccess() (Handle, error) {
	h, err := u.first(u.matchClass)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, errors.New("no matching device found")
	}
	return h, nil
}

// first opens the devices matching fn and keeps the first one.
func (u *USB) first(fn func(*gousb.DeviceDesc) bool) (Handle, error) {
	devs, err := u.ctx.OpenDevices(fn)

	// OpenDevices returns the devices it could open along with the
	// error of the ones it couldn't.
	if len(devs) == 0 {
		if err != nil {
			return nil, usbErr(err)
		}
		return nil, nil
	}

	for _, d := range devs[1:] {
		d.Close()
	}
	return &usbHandle{dev: devs[0], iface: u.cfg.Interface}, nil
}

func (u *USB) matchClass(d *gousb.DeviceDesc) bool {
	class := gousb.Class(u.cfg.Class)
	if d.Class == class {
		return true
	}

	for _, c := range d.Configs {
		for _, i := range c.Interfaces {
			for _, a := range i.AltSettings {
				if a.Class == class {
					return true
				}
			}
		}
	}
	return false
}

type usbHandle struct {
	dev   *gousb.Device
	iface int
}

func (h *usbHandle) Open() (Conn, error) {
	h.dev.SetAutoDetach(true)

	// Select the first configuration if the device has none active.
	num, err := h.dev.ActiveConfigNum()
	if err != nil || num == 0 {
		num = 1
	}

	cfg, err := h.dev.Config(num)
	if err != nil {
		return nil, fmt.Errorf("error selecting configuration %d: %w", num, usbErr(err))
	}

	intf, err := cfg.Interface(h.iface, 0)
	if err != nil {
		cfg.Close()
		return nil, fmt.Errorf("error claiming interface %d: %w", h.iface, usbErr(err))
	}

	return &usbConn{dev: h.dev, cfg: cfg, intf: intf}, nil
}

func (h *usbHandle) Close() error {
	return h.dev.Close()
}

func (h *usbHandle) String() string {
	return h.dev.String()
}

type usbConn struct {
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
}

func (c *usbConn) ControlOut(s Setup, data []byte) error {
	c.dev.ControlTimeout = s.Timeout
	_, err := c.dev.Control(rTypeOut, s.Request, s.Value, s.Index, data)
	return usbErr(err)
}

func (c *usbConn) ControlIn(s Setup, length int) ([]byte, error) {
	c.dev.ControlTimeout = s.Timeout

	buf := make([]byte, length)
	n, err := c.dev.Control(rTypeIn, s.Request, s.Value, s.Index, buf)
	if err != nil {
		return nil, usbErr(err)
	}
	return buf[:n], nil
}

func (c *usbConn) Close() error {
	c.intf.Close()
	err := c.cfg.Close()
	if e := c.dev.Close(); err == nil {
		err = e
	}
	return err
}

// usbErr maps libusb's unplugged and permission errors to the
// transport's errors.
func usbErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gousb.ErrorNoDevice):
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	case errors.Is(err, gousb.ErrorAccess):
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	return err
}
