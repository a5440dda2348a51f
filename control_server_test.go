package doorkit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hubertat/doorkit/drivers"
	"github.com/julienschmidt/httprouter"
)

func controlTestFixture(t testing.TB) (*drivers.MockDoorDriver, *ControlServer) {
	t.Helper()

	mdd := &drivers.MockDoorDriver{}
	err := mdd.Setup(context.Background(), []string{"front"})
	if err != nil {
		t.Fatalf("mock driver setup failed: %v", err)
	}

	ds := &DoorSwitch{
		Name:           "Front Door",
		DriverName:     "mock_driver",
		DoorId:         "front",
		HoldDuration:   "200ms",
		DisableHomekit: true,
	}
	err = ds.Init(mdd)
	if err != nil {
		t.Fatalf("switch init failed: %v", err)
	}

	cs := &ControlServer{Token: "secret-token"}
	cs.switches = []*DoorSwitch{ds}

	return mdd, cs
}

func TestControlServerRequiresToken(t *testing.T) {
	cs := &ControlServer{}
	err := cs.Setup([]*DoorSwitch{})
	if err == nil {
		t.Error("expected error when Token not set")
	}
}

func TestControlServerBindFailure(t *testing.T) {
	_, cs := controlTestFixture(t)
	cs.HttpAddr = "127.0.0.1:99999"

	err := cs.Setup(cs.switches)
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	defer cs.Close()

	time.Sleep(50 * time.Millisecond)

	// the listen error must be queued even though nobody was reading
	if len(cs.serverErr) != 1 {
		t.Fatal("listen error should not block the serve goroutine")
	}
	serveErr := <-cs.serverErr
	if serveErr == nil {
		t.Error("expected listen error for invalid address")
	}
	assertBools(t, cs.IsReady(), false)
}

func TestControlServerDoors(t *testing.T) {
	_, cs := controlTestFixture(t)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/doors", nil)

	cs.handleDoors(recorder, request, httprouter.Params{})

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}

	status := []doorStatus{}
	err := json.NewDecoder(recorder.Body).Decode(&status)
	if err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	assertInts(t, len(status), 1)
	if status[0].DoorId != "front" {
		t.Errorf("door id mismatch, got: %s", status[0].DoorId)
	}
	assertBools(t, status[0].State, false)
}

func TestControlServerOpen(t *testing.T) {
	mdd, cs := controlTestFixture(t)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/open/front_door/token/wrong", nil)
	cs.handleOpen(recorder, request, httprouter.Params{
		{Key: "name", Value: "front_door"},
		{Key: "token", Value: "wrong"},
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401 for wrong token, got %d", recorder.Code)
	}
	assertInts(t, mdd.OpenCount("front"), 0)

	recorder = httptest.NewRecorder()
	cs.handleOpen(recorder, request, httprouter.Params{
		{Key: "name", Value: "unknown"},
		{Key: "token", Value: "secret-token"},
	})
	if recorder.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for unknown door, got %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	cs.handleOpen(recorder, request, httprouter.Params{
		{Key: "name", Value: "front_door"},
		{Key: "token", Value: "secret-token"},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}

	status := doorStatus{}
	err := json.NewDecoder(recorder.Body).Decode(&status)
	if err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	assertBools(t, status.State, true)

	time.Sleep(50 * time.Millisecond)
	assertInts(t, mdd.OpenCount("front"), 1)

	// momentary behavior applies to http triggered opens too
	time.Sleep(400 * time.Millisecond)
	assertBools(t, cs.switches[0].GetValue(), false)
}
