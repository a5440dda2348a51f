package drivers

import (
	"context"
	"fmt"
	"io"
	"sync"
)

type MockDoor struct {
	info DoorInfo

	openCount int
	failWith  error
	lock      sync.Mutex

	writeTo    io.Writer
	writeOpens bool
}

func (md *MockDoor) Info() DoorInfo {
	return md.info
}

func (md *MockDoor) Open(ctx context.Context) error {
	md.lock.Lock()
	defer md.lock.Unlock()

	md.openCount++
	if md.writeOpens {
		fmt.Fprintf(md.writeTo, "[door %s] open requested (count: %d)\n", md.info.Id, md.openCount)
	}

	return md.failWith
}

func (md *MockDoor) OpenCount() int {
	md.lock.Lock()
	defer md.lock.Unlock()

	return md.openCount
}

type MockDoorDriver struct {
	Doors []string

	doors []*MockDoor
	ready bool
}

func (mdd *MockDoorDriver) Setup(ctx context.Context, doorIds []string) error {
	ids := append([]string{}, mdd.Doors...)
	ids = append(ids, doorIds...)

	for _, id := range ids {
		if mdd.findDoor(id) != nil {
			continue
		}
		mdd.doors = append(mdd.doors, &MockDoor{
			info: DoorInfo{
				Id:       id,
				Name:     "Mock Door " + id,
				HomeId:   "mock_home",
				HomeName: "Mock Home",
			},
		})
	}
	mdd.ready = true
	return nil
}

func (mdd *MockDoorDriver) Close() error {
	return nil
}

func (mdd *MockDoorDriver) NameId() string {
	return "mock_driver"
}

func (mdd *MockDoorDriver) IsReady() bool {
	return mdd.ready
}

func (mdd *MockDoorDriver) findDoor(id string) *MockDoor {
	for _, door := range mdd.doors {
		if door.info.Id == id {
			return door
		}
	}
	return nil
}

func (mdd *MockDoorDriver) GetDoor(id string) (DoorOpener, error) {
	door := mdd.findDoor(id)
	if door == nil {
		return nil, fmt.Errorf("mock door %s not found", id)
	}
	return door, nil
}

func (mdd *MockDoorDriver) GetAllDoors() (doors []DoorInfo) {
	for _, door := range mdd.doors {
		doors = append(doors, door.info)
	}
	return
}

// FailDoor makes every following Open for given door return err,
// nil restores success.
func (mdd *MockDoorDriver) FailDoor(id string, err error) {
	door := mdd.findDoor(id)
	if door == nil {
		return
	}
	door.lock.Lock()
	door.failWith = err
	door.lock.Unlock()
}

// OpenCount reports how many Open calls the given door received.
func (mdd *MockDoorDriver) OpenCount(id string) int {
	door := mdd.findDoor(id)
	if door == nil {
		return 0
	}
	return door.OpenCount()
}

func (mdd *MockDoorDriver) MonitorOpens(writer io.Writer) {
	for _, door := range mdd.doors {
		door.writeTo = writer
		door.writeOpens = true
	}
}
