package drivers

import (
	"context"
)

// DoorInfo describes a single addressable door module, as discovered
// from a driver. Immutable after discovery; drivers rebuild the set on
// every topology refresh.
type DoorInfo struct {
	Id       string
	Name     string
	HomeId   string
	HomeName string
	BridgeId string
	Timezone string
}

type DoorDriver interface {
	Setup(ctx context.Context, doorIds []string) error
	Close() error
	NameId() string
	IsReady() bool
	GetDoor(id string) (DoorOpener, error)
	GetAllDoors() []DoorInfo
}

// DoorDiscoverer is implemented by drivers that can enumerate door
// modules on their own (remote service is the source of truth).
type DoorDiscoverer interface {
	RefreshDoors(ctx context.Context) error
}

type DoorOpener interface {
	Open(ctx context.Context) error
	Info() DoorInfo
}

// MapAllDoorDrivers lists every known driver keyed by its NameId,
// used to tell a misspelled driver name apart from one that is known
// but missing from the config.
func MapAllDoorDrivers() map[string]DoorDriver {
	drivers := []DoorDriver{
		&NetatmoIntercom{},
		&GpioDoors{},
		&McpDoors{},
		&MockDoorDriver{},
	}

	mapped := make(map[string]DoorDriver)
	for _, driver := range drivers {
		mapped[driver.NameId()] = driver
	}
	return mapped
}
