package drivers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

const testAccessToken = "test-access-token-123"

type netatmoMock struct {
	server *httptest.Server

	lock            sync.Mutex
	setStateCalls   int
	lastSetBody     map[string]interface{}
	setStateStatus  int
	homesDataStatus int
	authStatus      int
}

func (nm *netatmoMock) handleAuth(w http.ResponseWriter, r *http.Request) {
	if nm.authStatus != 0 {
		w.WriteHeader(nm.authStatus)
		return
	}

	if !strings.EqualFold(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	r.ParseForm()
	if r.PostForm.Get("grant_type") != "password" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "unsupported grant type")
		return
	}
	if r.PostForm.Get("username") != "user@example.com" || r.PostForm.Get("password") != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, "invalid credentials")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"access_token": "%s", "expires_in": 10800}`, testAccessToken)
}

func (nm *netatmoMock) handleHomesData(w http.ResponseWriter, r *http.Request) {
	if nm.homesDataStatus != 0 {
		w.WriteHeader(nm.homesDataStatus)
		return
	}

	if r.Header.Get("Authorization") != "Bearer "+testAccessToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{
		"body": {
			"homes": [
				{
					"id": "home-1",
					"name": "Main Home",
					"timezone": "Europe/Warsaw",
					"modules": [
						{"id": "bridge-1", "type": "BFII", "name": "Intercom"},
						{"id": "door-1", "type": "BNDL", "name": "Front Door"},
						{"id": "door-2", "type": "BNDL", "name": "Garage Door"},
						{"id": "cam-1", "type": "NOC", "name": "Outdoor Camera"}
					]
				},
				{
					"id": "home-2",
					"name": "No Intercom Home",
					"timezone": "Europe/Warsaw",
					"modules": [
						{"id": "door-9", "type": "BNDL", "name": "Orphan Door"}
					]
				}
			]
		}
	}`)
}

func (nm *netatmoMock) handleSetState(w http.ResponseWriter, r *http.Request) {
	nm.lock.Lock()
	nm.setStateCalls++
	nm.lock.Unlock()

	if nm.setStateStatus != 0 {
		w.WriteHeader(nm.setStateStatus)
		return
	}

	if r.Header.Get("Authorization") != "Bearer "+testAccessToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	body := map[string]interface{}{}
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(&body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	nm.lock.Lock()
	nm.lastSetBody = body
	nm.lock.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status": "ok"}`)
}

func mockNetatmo() *netatmoMock {
	nm := &netatmoMock{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", nm.handleAuth)
	mux.HandleFunc("/api/homesdata", nm.handleHomesData)
	mux.HandleFunc("/syncapi/v1/setstate", nm.handleSetState)
	nm.server = httptest.NewServer(mux)
	return nm
}

func testIntercom(nm *netatmoMock) *NetatmoIntercom {
	return &NetatmoIntercom{
		Username:        "user@example.com",
		Password:        "secret",
		ClientId:        "client-id",
		ClientSecret:    "client-secret",
		AuthAddress:     nm.server.URL + "/oauth2/token",
		ApiAddress:      nm.server.URL + "/api",
		SetStateAddress: nm.server.URL + "/syncapi/v1/setstate",
	}
}

func TestNetatmoSetup(t *testing.T) {
	intercom := &NetatmoIntercom{AuthAddress: "http://127.0.0.1:1"}
	err := intercom.Setup(context.Background(), []string{})
	if err == nil {
		t.Error("expected error from netatmo setup (unreachable auth endpoint)")
	}

	nm := mockNetatmo()
	defer nm.server.Close()

	intercom = testIntercom(nm)
	intercom.Password = "wrong"
	err = intercom.Setup(context.Background(), []string{})
	if err == nil {
		t.Error("expected error from netatmo setup (wrong password)")
	}
	if !errors.Is(err, ErrAuthentication) {
		t.Errorf("expected ErrAuthentication, got: %v", err)
	}

	intercom = testIntercom(nm)
	err = intercom.Setup(context.Background(), []string{"door-7"})
	if err == nil {
		t.Error("expected error from netatmo setup (unknown door configured)")
	}

	err = intercom.Setup(context.Background(), []string{"door-1", "door-2"})
	if err != nil {
		t.Errorf("received error from netatmo setup: %v", err)
	}

	if !intercom.IsReady() {
		t.Error("intercom should be ready after successful setup")
	}
}

func TestNetatmoRefreshDoors(t *testing.T) {
	nm := mockNetatmo()
	defer nm.server.Close()

	intercom := testIntercom(nm)
	err := intercom.Setup(context.Background(), []string{})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	doors := intercom.GetAllDoors()
	if len(doors) != 2 {
		t.Fatalf("expected 2 doors (home without bridge skipped), got %d", len(doors))
	}

	front := doors[0]
	if front.Id != "door-1" {
		t.Errorf("door id mismatch, got: %s want: door-1", front.Id)
	}
	if front.Name != "Front Door" {
		t.Errorf("door name mismatch, got: %s", front.Name)
	}
	if front.HomeId != "home-1" || front.HomeName != "Main Home" {
		t.Errorf("door home mismatch, got: %s (%s)", front.HomeId, front.HomeName)
	}
	if front.BridgeId != "bridge-1" {
		t.Errorf("door bridge mismatch, got: %s", front.BridgeId)
	}
	if front.Timezone != "Europe/Warsaw" {
		t.Errorf("door timezone mismatch, got: %s", front.Timezone)
	}

	_, err = intercom.GetDoor("door-9")
	if err == nil {
		t.Error("door without intercom bridge should not be discovered")
	}
}

func TestNetatmoOpen(t *testing.T) {
	nm := mockNetatmo()
	defer nm.server.Close()

	intercom := testIntercom(nm)
	err := intercom.Setup(context.Background(), []string{})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	door, err := intercom.GetDoor("door-1")
	if err != nil {
		t.Fatalf("door not found: %v", err)
	}

	err = door.Open(context.Background())
	if err != nil {
		t.Errorf("open returned error: %v", err)
	}

	nm.lock.Lock()
	calls := nm.setStateCalls
	body := nm.lastSetBody
	nm.lock.Unlock()

	if calls != 1 {
		t.Errorf("expected exactly 1 setstate call, got %d", calls)
	}

	if body["app_type"] != "app_camera" {
		t.Errorf("setstate app_type mismatch, got: %v", body["app_type"])
	}

	home, ok := body["home"].(map[string]interface{})
	if !ok {
		t.Fatal("setstate body missing home object")
	}
	if home["id"] != "home-1" {
		t.Errorf("setstate home id mismatch, got: %v", home["id"])
	}

	modules, ok := home["modules"].([]interface{})
	if !ok || len(modules) != 1 {
		t.Fatalf("setstate body should carry exactly one module, got: %v", home["modules"])
	}
	module := modules[0].(map[string]interface{})
	if module["id"] != "door-1" {
		t.Errorf("setstate module id mismatch, got: %v", module["id"])
	}
	if module["bridge"] != "bridge-1" {
		t.Errorf("setstate bridge mismatch, got: %v", module["bridge"])
	}
	if module["lock"] != false {
		t.Errorf("setstate should request unlocked state, got lock: %v", module["lock"])
	}
}

func TestNetatmoOpenFailureReasons(t *testing.T) {
	nm := mockNetatmo()
	defer nm.server.Close()

	intercom := testIntercom(nm)
	err := intercom.Setup(context.Background(), []string{})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	door, err := intercom.GetDoor("door-1")
	if err != nil {
		t.Fatalf("door not found: %v", err)
	}

	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrAuthentication},
		{http.StatusForbidden, ErrRejected},
		{http.StatusNotFound, ErrRejected},
		{http.StatusTooManyRequests, ErrRateLimited},
	}

	for _, c := range cases {
		nm.setStateStatus = c.status
		err = door.Open(context.Background())
		if err == nil {
			t.Errorf("expected error for status %d", c.status)
			continue
		}
		if !errors.Is(err, c.want) {
			t.Errorf("status %d: got error %v, want %v", c.status, err, c.want)
		}
	}

	nm.setStateStatus = http.StatusInternalServerError
	err = door.Open(context.Background())
	if err == nil {
		t.Error("expected error for status 500")
	}
	if errors.Is(err, ErrAuthentication) || errors.Is(err, ErrRejected) || errors.Is(err, ErrRateLimited) {
		t.Errorf("500 should not map to a specific failure reason, got: %v", err)
	}
}

func TestNetatmoDriverName(t *testing.T) {
	intercom := NetatmoIntercom{}
	got := intercom.NameId()
	want := "netatmo"

	if got != want {
		t.Errorf("got %s want %s", got, want)
	}
}
