package drivers

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/stianeikeland/go-rpio/v4"
)

const gpioDriverName = "gpio"
const defaultRelayPulse = 500 * time.Millisecond

// GpioDoorPin maps a door id to a relay output pin on the buzzer line.
type GpioDoorPin struct {
	Id     string
	Name   string
	Pin    uint8
	Invert bool
}

type GpioDoor struct {
	info   DoorInfo
	pin    uint8
	invert bool
	pulse  time.Duration

	pulseTimer *time.Timer
	lock       sync.Mutex
}

func (gd *GpioDoor) Info() DoorInfo {
	return gd.info
}

func (gd *GpioDoor) write(active bool) {
	if gd.invert {
		active = !active
	}
	if active {
		rpio.Pin(gd.pin).High()
	} else {
		rpio.Pin(gd.pin).Low()
	}
}

// Open pulses the relay: active for the configured pulse duration,
// then back to idle. A repeated call restarts the pulse window instead
// of stacking a second timer.
func (gd *GpioDoor) Open(ctx context.Context) error {
	gd.lock.Lock()
	defer gd.lock.Unlock()

	if gd.pulseTimer != nil {
		gd.pulseTimer.Stop()
	}

	gd.write(true)
	gd.pulseTimer = time.AfterFunc(gd.pulse, func() {
		gd.lock.Lock()
		defer gd.lock.Unlock()

		gd.write(false)
		gd.pulseTimer = nil
	})

	return nil
}

type GpioDoors struct {
	Doors []GpioDoorPin

	RelayPulse string

	doors   []*GpioDoor
	isReady bool
}

func (gp *GpioDoors) Setup(ctx context.Context, doorIds []string) error {
	err := rpio.Open()
	if err != nil {
		return errors.Wrap(err, "failed to setup gpio door driver")
	}

	pulse := defaultRelayPulse
	if len(gp.RelayPulse) > 0 {
		d, dErr := time.ParseDuration(gp.RelayPulse)
		if dErr != nil {
			return errors.Wrap(dErr, "failed to parse RelayPulse duration")
		}
		pulse = d
	}

	for _, doorPin := range gp.Doors {
		pin := rpio.Pin(doorPin.Pin)
		pin.Output()

		name := doorPin.Name
		if len(name) == 0 {
			name = doorPin.Id
		}

		door := &GpioDoor{
			info: DoorInfo{
				Id:   doorPin.Id,
				Name: name,
			},
			pin:    doorPin.Pin,
			invert: doorPin.Invert,
			pulse:  pulse,
		}
		door.write(false)
		gp.doors = append(gp.doors, door)
	}

	for _, id := range doorIds {
		_, err := gp.GetDoor(id)
		if err != nil {
			return errors.Wrapf(err, "configured door %s has no gpio pin", id)
		}
	}

	gp.isReady = true

	return nil
}

func (gp *GpioDoors) Close() error {
	for _, door := range gp.doors {
		door.lock.Lock()
		if door.pulseTimer != nil {
			door.pulseTimer.Stop()
			door.pulseTimer = nil
		}
		door.write(false)
		door.lock.Unlock()
	}

	return rpio.Close()
}

func (gp *GpioDoors) NameId() string {
	return gpioDriverName
}

func (gp *GpioDoors) IsReady() bool {
	return gp.isReady
}

func (gp *GpioDoors) GetDoor(id string) (DoorOpener, error) {
	for _, door := range gp.doors {
		if door.info.Id == id {
			return door, nil
		}
	}
	return nil, errors.Errorf("gpio door %s not found", id)
}

func (gp *GpioDoors) GetAllDoors() (doors []DoorInfo) {
	for _, door := range gp.doors {
		doors = append(doors, door.info)
	}

	return
}
