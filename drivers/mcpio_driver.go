package drivers

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/racerxdl/go-mcp23017"
)

const mcpioDriverName = "mcpio"

// McpDoorPin maps a door id to a relay output on a mcp23017 expander.
type McpDoorPin struct {
	Id     string
	Name   string
	Pin    uint8
	Invert bool
}

type McpDoor struct {
	info   DoorInfo
	pin    uint8
	invert bool
	pulse  time.Duration

	device *mcp23017.Device

	pulseTimer *time.Timer
	lock       sync.Mutex
}

func (md *McpDoor) Info() DoorInfo {
	return md.info
}

func (md *McpDoor) write(active bool) error {
	if md.invert {
		active = !active
	}
	return md.device.DigitalWrite(md.pin, mcp23017.PinLevel(active))
}

func (md *McpDoor) Open(ctx context.Context) error {
	md.lock.Lock()
	defer md.lock.Unlock()

	if md.pulseTimer != nil {
		md.pulseTimer.Stop()
	}

	err := md.write(true)
	if err != nil {
		return errors.Wrapf(err, "failed to set relay pin %d", md.pin)
	}

	md.pulseTimer = time.AfterFunc(md.pulse, func() {
		md.lock.Lock()
		defer md.lock.Unlock()

		md.write(false)
		md.pulseTimer = nil
	})

	return nil
}

type McpDoors struct {
	BusNo uint8
	DevNo uint8

	Doors []McpDoorPin

	RelayPulse string

	device  *mcp23017.Device
	doors   []*McpDoor
	isReady bool
}

func (mcp *McpDoors) Setup(ctx context.Context, doorIds []string) (err error) {
	mcp.device, err = mcp23017.Open(mcp.BusNo, mcp.DevNo)
	if err != nil {
		return
	}

	pulse := defaultRelayPulse
	if len(mcp.RelayPulse) > 0 {
		pulse, err = time.ParseDuration(mcp.RelayPulse)
		if err != nil {
			return errors.Wrap(err, "failed to parse RelayPulse duration")
		}
	}

	for _, doorPin := range mcp.Doors {
		err = mcp.device.PinMode(doorPin.Pin, mcp23017.OUTPUT)
		if err != nil {
			return
		}

		name := doorPin.Name
		if len(name) == 0 {
			name = doorPin.Id
		}

		door := &McpDoor{
			info: DoorInfo{
				Id:   doorPin.Id,
				Name: name,
			},
			pin:    doorPin.Pin,
			invert: doorPin.Invert,
			pulse:  pulse,
			device: mcp.device,
		}
		err = door.write(false)
		if err != nil {
			return
		}
		mcp.doors = append(mcp.doors, door)
	}

	for _, id := range doorIds {
		_, err = mcp.GetDoor(id)
		if err != nil {
			return errors.Wrapf(err, "configured door %s has no mcpio pin", id)
		}
	}

	mcp.isReady = true

	return
}

func (mcp *McpDoors) Close() error {
	for _, door := range mcp.doors {
		door.lock.Lock()
		if door.pulseTimer != nil {
			door.pulseTimer.Stop()
			door.pulseTimer = nil
		}
		door.write(false)
		door.lock.Unlock()
	}

	return mcp.device.Close()
}

func (mcp *McpDoors) NameId() string {
	return mcpioDriverName
}

func (mcp *McpDoors) IsReady() bool {
	return mcp.isReady
}

func (mcp *McpDoors) GetDoor(id string) (DoorOpener, error) {
	for _, door := range mcp.doors {
		if door.info.Id == id {
			return door, nil
		}
	}
	return nil, errors.Errorf("mcpio door %s not found", id)
}

func (mcp *McpDoors) GetAllDoors() (doors []DoorInfo) {
	for _, door := range mcp.doors {
		doors = append(doors, door.info)
	}

	return
}
