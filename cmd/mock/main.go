package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/hubertat/doorkit"
	"github.com/hubertat/doorkit/drivers"
)

var (
	Version string
	Build   string
)

func main() {
	var err error

	log.Println("doorkit started")
	log.Println("mock instance for testing purposes, should work on MacOs")

	syncDuration := 250 * time.Millisecond
	log.Println("syncDuration is ", syncDuration)
	discoveryDuration := 2 * time.Minute
	log.Println("discoveryDuration is ", discoveryDuration)

	dk := &doorkit.DoorKit{}

	dk.HkPin = "88008800"

	dk.DoorSwitches = append(dk.DoorSwitches,
		&doorkit.DoorSwitch{Name: "fake front door", DriverName: "mock_driver", DoorId: "front"},
		&doorkit.DoorSwitch{Name: "fake gate", DriverName: "mock_driver", DoorId: "gate", HoldDuration: "5s"},
	)
	dk.FakeDriver = &drivers.MockDoorDriver{}

	log.Println("will init doorkit drivers...")
	err = dk.InitDrivers(context.Background())
	defer dk.Close()
	if err != nil {
		panic(err)
	}
	log.Println("will init door switches...")
	err = dk.InitSwitches()
	if err != nil {
		panic(err)
	}

	dk.FakeDriver.MonitorOpens(os.Stdout)

	dk.PrintDoorStatus(os.Stdout)

	log.Println("starting mock with HomeKit service")

	go dk.StartTicker(syncDuration, discoveryDuration)

	dk.HkDirectory = "./mock_homekit"
	log.Fatal(dk.StartHomeKit(context.Background(), "mock: "+Version))

}
