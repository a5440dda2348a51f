package doorkit

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	dnslog "github.com/brutella/dnssd/log"
	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	hklog "github.com/brutella/hap/log"
	"github.com/pkg/errors"

	"github.com/hubertat/doorkit/drivers"
	"github.com/hubertat/doorkit/mqtt"
)

const defaultHomeKitDirectory = "./homekit"
const homeKitBridgeName = "doorkit"
const homeKitBridgeAuthor = "github.com/hubertat"

const discoveryRefreshTimeout = 30 * time.Second

type DoorKit struct {
	Name string

	DoorSwitches []*DoorSwitch

	// AutoDiscover creates a switch for every discovered door that has
	// no switch configured.
	AutoDiscover bool

	HkPin       string
	HkDirectory string
	HkAddress   string
	HkDebug     bool

	MqttBroker string

	Netatmo    *drivers.NetatmoIntercom
	Gpio       *drivers.GpioDoors
	Mcp23017   *drivers.McpDoors
	FakeDriver *drivers.MockDoorDriver

	Influx  *InfluxRecorder
	Control *ControlServer

	doorDrivers map[string]drivers.DoorDriver
	mqttClient  *mqtt.MqttClient
	ticker      *time.Ticker
}

type HkThing interface {
	GetHk() *accessory.A
	GetUniqueId() uint64
	Sync() error
}

func (dk *DoorKit) getDoorIds(driverName string) (ids []string) {
	for _, ds := range dk.DoorSwitches {
		if strings.EqualFold(ds.DriverName, driverName) {
			ids = append(ids, ds.DoorId)
		}
	}

	return
}

func (dk *DoorKit) getHkThings() (things []HkThing) {
	for _, th := range dk.DoorSwitches {
		things = append(things, th)
	}

	return
}

func (dk *DoorKit) InitDrivers(ctx context.Context) error {
	dk.doorDrivers = make(map[string]drivers.DoorDriver)

	if dk.Netatmo != nil {
		dk.doorDrivers[dk.Netatmo.NameId()] = dk.Netatmo
	}

	if dk.Gpio != nil {
		dk.doorDrivers[dk.Gpio.NameId()] = dk.Gpio
	}

	if dk.Mcp23017 != nil {
		dk.doorDrivers[dk.Mcp23017.NameId()] = dk.Mcp23017
	}

	if dk.FakeDriver != nil {
		dk.doorDrivers[dk.FakeDriver.NameId()] = dk.FakeDriver
	}

	for _, driver := range dk.doorDrivers {
		err := driver.Setup(ctx, dk.getDoorIds(driver.NameId()))
		if err != nil {
			return errors.Wrapf(err, "failed to setup %s driver", driver.NameId())
		}
	}

	for _, ds := range dk.DoorSwitches {
		_, driverFound := dk.doorDrivers[ds.GetDriverName()]
		if !driverFound {
			if _, known := drivers.MapAllDoorDrivers()[ds.GetDriverName()]; !known {
				return errors.Errorf("unknown driver %s for switch %s", ds.GetDriverName(), ds.Name)
			}
			return errors.Errorf("driver %s not set up", ds.GetDriverName())
		}
	}

	if dk.Influx != nil {
		err := dk.Influx.Setup()
		if err != nil {
			return errors.Wrap(err, "failed to setup influx open recorder")
		}
	}

	return nil
}

func (dk *DoorKit) findSwitch(doorId string, driverName string) *DoorSwitch {
	for _, ds := range dk.DoorSwitches {
		if strings.EqualFold(ds.DoorId, doorId) && strings.EqualFold(ds.DriverName, driverName) {
			return ds
		}
	}

	return nil
}

// DiscoverDoors appends a switch for every door known to the drivers
// that doesn't have one configured. Requires AutoDiscover.
func (dk *DoorKit) DiscoverDoors() {
	if !dk.AutoDiscover {
		return
	}

	for _, driver := range dk.doorDrivers {
		for _, info := range driver.GetAllDoors() {
			if dk.findSwitch(info.Id, driver.NameId()) != nil {
				continue
			}

			name := info.Name
			if len(info.HomeName) > 0 {
				name = fmt.Sprintf("%s %s", info.HomeName, info.Name)
			}

			log.Info("discovered door, adding switch", "driver", driver.NameId(), "door", info.Id, "name", name)
			dk.DoorSwitches = append(dk.DoorSwitches, &DoorSwitch{
				Name:       name,
				DriverName: driver.NameId(),
				DoorId:     info.Id,
			})
		}
	}
}

func (dk *DoorKit) InitSwitches() error {
	for _, ds := range dk.DoorSwitches {
		err := ds.Init(dk.doorDrivers[ds.GetDriverName()])
		if err != nil {
			return errors.Wrapf(err, "failed to init switch %s", ds.Name)
		}

		if dk.Influx != nil {
			ds.recorder = dk.Influx
		}
	}

	return nil
}

func (dk *DoorKit) GetHkAccessories(firmwareVersion string) (acc []*accessory.A) {
	acc = []*accessory.A{}

	for _, th := range dk.getHkThings() {
		accessory := th.GetHk()
		if accessory != nil {
			if accessory.Info != nil && accessory.Info.FirmwareRevision != nil {
				accessory.Info.FirmwareRevision.SetValue(firmwareVersion)
			}
			accessory.Id = th.GetUniqueId()
			acc = append(acc, accessory)
		}
	}

	return
}

// StartTicker keeps HomeKit state in sync and re-fetches the door
// topology from discovering drivers every discoveryInterval.
func (dk *DoorKit) StartTicker(syncInterval time.Duration, discoveryInterval time.Duration) {

	dk.ticker = time.NewTicker(syncInterval)
	discoveryTicker := time.NewTicker(discoveryInterval)

	for {
		select {
		case <-dk.ticker.C:
			for _, th := range dk.getHkThings() {
				err := th.Sync()
				if err != nil {
					log.Error("received error from syncing switch", "err", err)
				}
			}
		case <-discoveryTicker.C:
			for _, driver := range dk.doorDrivers {
				discoverer, ok := driver.(drivers.DoorDiscoverer)
				if !ok {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), discoveryRefreshTimeout)
				err := discoverer.RefreshDoors(ctx)
				cancel()
				if err != nil {
					log.Error("door topology refresh failed", "driver", driver.NameId(), "err", err)
				}
			}
		}
	}
}

func (dk *DoorKit) Close() (err error) {
	if dk.Control != nil {
		closeErr := dk.Control.Close()
		if closeErr != nil {
			err = errors.Wrap(closeErr, "failed to close control server")
		}
	}

	if dk.Influx != nil {
		dk.Influx.Close()
	}

	for _, driver := range dk.doorDrivers {
		if driver == nil {
			continue
		}
		closeErr := driver.Close()
		if closeErr == nil {
			continue
		}
		if err == nil {
			err = errors.Wrapf(closeErr, "failed to close %s driver", driver.NameId())
		} else {
			err = errors.Wrap(err, closeErr.Error())
		}
	}

	return
}

func (dk *DoorKit) PrintDoorStatus(writer io.Writer) {
	fmt.Fprintln(writer)
	fmt.Fprintln(writer, "=== active door drivers ===")
	for driverName, driver := range dk.doorDrivers {
		fmt.Fprintln(writer, "________")
		fmt.Fprintf(writer, "| driver: %s\n", driverName)
		for _, info := range driver.GetAllDoors() {
			fmt.Fprintf(writer, "| door: %s (%s)", info.Id, info.Name)
			if len(info.HomeName) > 0 {
				fmt.Fprintf(writer, " home: %s", info.HomeName)
			}
			fmt.Fprintln(writer)
		}
		fmt.Fprintln(writer, "--------")
	}
	fmt.Fprintln(writer, "-----------------------------")
	fmt.Fprintln(writer)
}

func (dk *DoorKit) StartHomeKit(ctx context.Context, firmwareVersion string) error {
	hkName := dk.Name
	if len(hkName) < 1 {
		hkName = homeKitBridgeName
	}
	bridge := accessory.NewBridge(accessory.Info{
		Name:         hkName,
		Manufacturer: homeKitBridgeAuthor,
		Firmware:     firmwareVersion,
	})

	var store hap.Store
	if len(dk.HkDirectory) > 1 {
		store = hap.NewFsStore(dk.HkDirectory)
	} else {
		store = hap.NewFsStore(defaultHomeKitDirectory)
	}
	hkServer, err := hap.NewServer(store, bridge.A, dk.GetHkAccessories(firmwareVersion)...)
	if err != nil {
		return errors.Wrap(err, "failed to create HomeKit server")
	}
	hkServer.Pin = dk.HkPin
	if len(dk.HkAddress) > 0 {
		hkServer.Addr = dk.HkAddress
	}

	if dk.HkDebug {
		hklog.Debug.Enable()
		dnslog.Debug.Enable()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	signal.Notify(c, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-c
		// Stop delivering signals.
		signal.Stop(c)
		// Cancel the context to stop the server.
		cancel()
	}()

	return hkServer.ListenAndServe(ctx)
}

// StartControl exposes the local http control api when configured.
func (dk *DoorKit) StartControl() error {
	if dk.Control == nil {
		return nil
	}

	return dk.Control.Setup(dk.DoorSwitches)
}

func (dk *DoorKit) InitMqtt() (err error) {
	if len(dk.MqttBroker) == 0 {
		err = errors.New("mqtt broker not set")
		return
	}

	clientName := dk.Name
	if len(clientName) == 0 {
		clientName = homeKitBridgeName
	}

	mc, err := mqtt.NewMqttClient(dk.MqttBroker, clientName)
	if err != nil {
		err = errors.Wrap(err, "failed to create mqtt client")
		return
	}

	dk.mqttClient = mc

	mqttHandlers := []mqtt.MqttHandler{}
	for _, ds := range dk.DoorSwitches {
		ds.publisher = mc
		mqttHandlers = append(mqttHandlers, ds)
	}

	err = mc.Connect(mqttHandlers)
	if err != nil {
		err = errors.Wrap(err, "failed to connect to mqtt broker")
	}

	return
}
