// Package usbtransport is the Device Registry's USB enumeration and I/O
// layer: it finds attached IguanaWorks IR transceivers and exposes their
// interrupt endpoints as a small, mockable Transceiver interface. Grounded
// on the gousb usage in
// _examples/guiperry-HASHER/internal/driver/device/usb_device.go
// (OpenUSBDevice/claimInterface/releaseInterface/SendPacket/ReadPacket),
// retargeted from Bitmain ASIC bulk framing to the transceiver's interrupt
// endpoints and multi-generation VID/PID table.
package usbtransport

import (
	"context"
	"fmt"

	"github.com/google/gousb"
)

// VendorProduct identifies one USB device generation this daemon can
// drive. IguanaWorks shipped several transceiver hardware revisions, each
// under its own PID.
type VendorProduct struct {
	Vendor, Product gousb.ID
}

// KnownDevices is the set of (vendor, product) pairs recognized as
// IguanaIR transceivers.
var KnownDevices = []VendorProduct{
	{Vendor: 0x1781, Product: 0x0938}, // original IguanaWorks USB transceiver
	{Vendor: 0x1781, Product: 0x0939}, // "IguanaWorks USB IR Transceiver v2"
}

// Location identifies a device's USB bus, address and port path; the
// registry keys attached devices by its bus:address String form.
type Location struct {
	Bus, Address int
	Port         []int
}

func (l Location) String() string {
	return fmt.Sprintf("usb:%d:%d", l.Bus, l.Address)
}

// Transceiver is the minimal interface the device reader and transactor
// need: write a control/data packet out the interrupt-OUT endpoint, read
// one packet from interrupt-IN with a deadline, and report the USB max
// packet size the framing layer must split around. Implemented by
// *GousbTransceiver for production and by a fake in tests.
type Transceiver interface {
	MaxPacketSize() int
	Write(ctx context.Context, data []byte) (int, error)
	Read(ctx context.Context, buf []byte) (int, error)
	Location() Location
	Close() error
}

// GousbTransceiver drives one physical transceiver's interrupt endpoints
// via gousb, following usb_device.go's claim/release/endpoint-open shape.
type GousbTransceiver struct {
	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint
	loc    Location
}

// EndpointOut and EndpointIn are the interrupt endpoint addresses used by
// every known IguanaWorks transceiver generation.
const (
	EndpointOut = 0x01
	EndpointIn  = 0x81

	// MaxUSBPacketSize is the transceiver's reported wMaxPacketSize for
	// both endpoints; framing.BuildControlPacket/SplitStreamedChunks use
	// this to decide the inline/streamed split.
	MaxUSBPacketSize = 8
)

// Enumerate lists every attached transceiver matching KnownDevices,
// without opening them, for the registry's scan loop.
func Enumerate(ctx *gousb.Context) ([]*gousb.Device, error) {
	devices, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		for _, kd := range KnownDevices {
			if desc.Vendor == kd.Vendor && desc.Product == kd.Product {
				return true
			}
		}
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("usbtransport: enumerate: %w", err)
	}
	return devices, nil
}

// Open claims interface 0/0 on an already-opened device and wraps its
// interrupt endpoints.
func Open(ctx *gousb.Context, device *gousb.Device) (*GousbTransceiver, error) {
	config, err := device.Config(1)
	if err != nil {
		device.Close()
		return nil, fmt.Errorf("usbtransport: set config: %w", err)
	}

	intf, err := config.Interface(0, 0)
	if err != nil {
		config.Close()
		device.Close()
		return nil, fmt.Errorf("usbtransport: claim interface: %w", err)
	}

	epOut, err := intf.OutEndpoint(EndpointOut)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		return nil, fmt.Errorf("usbtransport: open OUT endpoint: %w", err)
	}

	epIn, err := intf.InEndpoint(EndpointIn)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		return nil, fmt.Errorf("usbtransport: open IN endpoint: %w", err)
	}

	bus, addr := 0, 0
	var port []int
	if device.Desc != nil {
		bus, addr = device.Desc.Bus, device.Desc.Address
		port = append(port, device.Desc.Port)
	}

	return &GousbTransceiver{
		ctx:    ctx,
		device: device,
		config: config,
		intf:   intf,
		epOut:  epOut,
		epIn:   epIn,
		loc:    Location{Bus: bus, Address: addr, Port: port},
	}, nil
}

func (t *GousbTransceiver) MaxPacketSize() int { return MaxUSBPacketSize }

func (t *GousbTransceiver) Location() Location { return t.loc }

func (t *GousbTransceiver) Write(ctx context.Context, data []byte) (int, error) {
	n, err := t.epOut.WriteContext(ctx, data)
	if err != nil {
		return n, fmt.Errorf("usbtransport: write: %w", err)
	}
	return n, nil
}

func (t *GousbTransceiver) Read(ctx context.Context, buf []byte) (int, error) {
	n, err := t.epIn.ReadContext(ctx, buf)
	if err != nil {
		return n, fmt.Errorf("usbtransport: read: %w", err)
	}
	return n, nil
}

func (t *GousbTransceiver) Close() error {
	if t.intf != nil {
		t.intf.Close()
	}
	if t.config != nil {
		t.config.Close()
	}
	if t.device != nil {
		t.device.Close()
	}
	return nil
}
