package doorkit

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"

	drivers "github.com/hubertat/doorkit/drivers"
	"github.com/hubertat/doorkit/mqtt"
)

const defaultHoldDuration = 2 * time.Second
const openCallTimeout = 15 * time.Second

// DoorSwitch is a momentary switch bound to one door: turning it on
// requests a door open from the driver, the switch falls back to off
// after HoldDuration on its own. It never stays on: the auto off timer
// is armed on every off->on transition and only an explicit off request
// cancels it early.
//
// A repeated turn on while the switch is already on is a no-op: no
// second open request is issued and the pending timer is left alone, so
// at most one auto off is ever scheduled per door.
type DoorSwitch struct {
	Name       string
	State      bool
	DriverName string
	DoorId     string

	// HoldDuration overrides the 2s momentary window (time.Duration string).
	HoldDuration string

	// ConfirmOpen switches from the optimistic policy (state flips on and
	// the timer arms regardless of the remote outcome) to the pessimistic
	// one: the switch stays off when the open request fails.
	ConfirmOpen bool

	DisableHomekit bool
	IsFaulty       bool

	door   drivers.DoorOpener
	driver drivers.DoorDriver

	recorder  OpenRecorder
	publisher mqtt.Publisher

	hk    *accessory.Switch
	fault *characteristic.StatusFault

	hold     time.Duration
	offTimer *time.Timer
	lock     sync.Mutex
}

func (ds *DoorSwitch) GetDriverName() string {
	return ds.DriverName
}

func (ds *DoorSwitch) GetUniqueId() uint64 {
	hash := fnv.New64()
	hash.Write([]byte("DoorSwitch_" + ds.Name))
	return hash.Sum64()
}

func (ds *DoorSwitch) Init(driver drivers.DoorDriver) error {
	if !strings.EqualFold(driver.NameId(), ds.DriverName) {
		return fmt.Errorf("Init failed, mismatched or incorrect driver")
	}

	if !driver.IsReady() {
		return fmt.Errorf("Init failed, driver not ready")
	}

	ds.hold = defaultHoldDuration
	if len(ds.HoldDuration) > 0 {
		d, err := time.ParseDuration(ds.HoldDuration)
		if err != nil {
			return errors.Wrap(err, "Init failed on parsing HoldDuration")
		}
		ds.hold = d
	}

	var err error

	ds.driver = driver
	ds.door, err = driver.GetDoor(ds.DoorId)
	if err != nil {
		return errors.Wrap(err, "Init failed on getting door")
	}

	if len(ds.Name) == 0 {
		ds.Name = ds.door.Info().Name
	}

	if ds.DisableHomekit {
		return nil
	}

	info := accessory.Info{
		Name:         ds.Name,
		SerialNumber: fmt.Sprintf("door_switch:%s:%s", ds.DriverName, ds.DoorId),
	}
	ds.hk = accessory.NewSwitch(info)

	ds.fault = characteristic.NewStatusFault()
	ds.fault.SetValue(characteristic.StatusFaultNoFault)
	ds.hk.Switch.AddC(ds.fault.C)

	ds.hk.Switch.On.OnValueRemoteUpdate(ds.SetValue)

	return nil
}

// Sync pushes the local state back to HomeKit; door switches hold no
// remote readable state so there is nothing to fetch.
func (ds *DoorSwitch) Sync() error {
	ds.lock.Lock()
	defer ds.lock.Unlock()

	if ds.hk != nil {
		ds.hk.Switch.On.SetValue(ds.State)
	}

	return nil
}

func (ds *DoorSwitch) GetHk() *accessory.A {
	if ds.hk == nil {
		return nil
	}
	return ds.hk.A
}

func (ds *DoorSwitch) GetValue() bool {
	ds.lock.Lock()
	defer ds.lock.Unlock()

	return ds.State
}

func (ds *DoorSwitch) SetValue(state bool) {
	if state {
		ds.turnOn()
	} else {
		ds.turnOff()
	}
}

func (ds *DoorSwitch) turnOn() {
	ds.lock.Lock()
	defer ds.lock.Unlock()

	if ds.State {
		return
	}

	if ds.ConfirmOpen {
		err := ds.openDoor()
		ds.recordFault(err)
		if err != nil {
			log.Error("door open failed, switch stays off", "door", ds.Name, "err", err)
			ds.publishState()
			return
		}
	} else {
		go func() {
			err := ds.openDoor()

			ds.lock.Lock()
			ds.recordFault(err)
			ds.lock.Unlock()

			if err != nil {
				log.Error("door open failed", "door", ds.Name, "err", err)
			}
		}()
	}

	ds.State = true
	ds.armOffTimer()
	ds.publishState()
}

func (ds *DoorSwitch) turnOff() {
	ds.lock.Lock()
	defer ds.lock.Unlock()

	if ds.offTimer != nil {
		ds.offTimer.Stop()
		ds.offTimer = nil
	}

	if !ds.State {
		return
	}

	ds.State = false
	ds.publishState()
}

// armOffTimer replaces (never stacks) the auto off timer. Callers hold
// the switch lock.
func (ds *DoorSwitch) armOffTimer() {
	if ds.offTimer != nil {
		ds.offTimer.Stop()
	}
	ds.offTimer = time.AfterFunc(ds.hold, ds.autoOff)
}

func (ds *DoorSwitch) autoOff() {
	ds.lock.Lock()
	defer ds.lock.Unlock()

	ds.offTimer = nil
	if !ds.State {
		return
	}

	ds.State = false
	ds.publishState()
}

// openDoor issues exactly one open request; failure is reported through
// the fault characteristic and the recorder, never through switch state.
func (ds *DoorSwitch) openDoor() error {
	ctx, cancel := context.WithTimeout(context.Background(), openCallTimeout)
	defer cancel()

	err := ds.door.Open(ctx)

	if ds.recorder != nil {
		ds.recorder.RecordOpen(ds.door.Info(), err == nil)
	}

	return err
}

// recordFault updates the fault flag and characteristic after an open
// attempt. Callers hold the switch lock.
func (ds *DoorSwitch) recordFault(err error) {
	if ds.fault != nil {
		if err != nil {
			ds.fault.SetValue(characteristic.StatusFaultGeneralFault)
		} else {
			ds.fault.SetValue(characteristic.StatusFaultNoFault)
		}
	}
	ds.IsFaulty = err != nil
}

// Faulty reports whether the last open attempt failed.
func (ds *DoorSwitch) Faulty() bool {
	ds.lock.Lock()
	defer ds.lock.Unlock()

	return ds.IsFaulty
}

// publishState pushes the state to HomeKit and the mqtt state topic.
// Callers hold the switch lock.
func (ds *DoorSwitch) publishState() {
	if ds.hk != nil {
		ds.hk.Switch.On.SetValue(ds.State)
	}

	if ds.publisher != nil {
		payload := "OFF"
		if ds.State {
			payload = "ON"
		}
		err := ds.publisher.Publish(ds.mqttStateTopic(), []byte(payload))
		if err != nil {
			log.Error("failed to publish switch state", "door", ds.Name, "err", err)
		}
	}
}

func (ds *DoorSwitch) topicName() string {
	return strings.ReplaceAll(strings.ToLower(ds.Name), " ", "_")
}

func (ds *DoorSwitch) mqttStateTopic() string {
	return fmt.Sprintf("doorkit/%s/state", ds.topicName())
}

func (ds *DoorSwitch) MqttSubscribeTopic() string {
	return fmt.Sprintf("doorkit/%s/set", ds.topicName())
}

func (ds *DoorSwitch) MqttHandle(pub *paho.Publish) {
	ds.SetValue(strings.EqualFold(string(pub.Payload), "ON"))
}
