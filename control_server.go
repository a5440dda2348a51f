package doorkit

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
)

const controlHttpTimeoutsMs = 3000

// ControlServer exposes door switches on the local network, next to
// HomeKit: automations without a HomeKit hub can list doors and trigger
// an open with a plain http call.
type ControlServer struct {
	Token    string
	HttpAddr string

	switches []*DoorSwitch
	server   *http.Server
	ready    bool

	serverErr chan error
}

func (cs *ControlServer) Setup(switches []*DoorSwitch) error {
	if len(cs.Token) == 0 {
		return errors.New("control server requires Token to be set")
	}

	cs.switches = switches

	handler := httprouter.New()
	handler.GET("/doors", cs.handleDoors)
	handler.GET("/open/:name/token/:token", cs.handleOpen)

	httpTimeout := controlHttpTimeoutsMs * time.Millisecond

	cs.server = &http.Server{
		Addr:              cs.HttpAddr,
		Handler:           handler,
		ReadTimeout:       httpTimeout,
		ReadHeaderTimeout: httpTimeout,
		WriteTimeout:      httpTimeout,
		IdleTimeout:       2 * httpTimeout,
	}

	// buffered so the serve goroutine never blocks when nobody is
	// draining the error
	cs.serverErr = make(chan error, 1)

	cs.ready = true
	go func() {
		err := cs.server.ListenAndServe()
		cs.ready = false
		cs.serverErr <- err
	}()

	return nil
}

func (cs *ControlServer) IsReady() bool {
	return cs.ready
}

func (cs *ControlServer) Close() error {
	if cs.server == nil {
		return nil
	}
	return cs.server.Close()
}

func (cs *ControlServer) findSwitch(name string) *DoorSwitch {
	for _, ds := range cs.switches {
		if strings.EqualFold(ds.topicName(), name) || strings.EqualFold(ds.DoorId, name) {
			return ds
		}
	}
	return nil
}

type doorStatus struct {
	Name   string `json:"name"`
	DoorId string `json:"door_id"`
	Driver string `json:"driver"`
	State  bool   `json:"state"`
}

func (cs *ControlServer) handleDoors(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	status := []doorStatus{}
	for _, ds := range cs.switches {
		status = append(status, doorStatus{
			Name:   ds.Name,
			DoorId: ds.DoorId,
			Driver: ds.DriverName,
			State:  ds.GetValue(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (cs *ControlServer) handleOpen(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !strings.EqualFold(p.ByName("token"), cs.Token) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	ds := cs.findSwitch(p.ByName("name"))
	if ds == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	ds.SetValue(true)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doorStatus{
		Name:   ds.Name,
		DoorId: ds.DoorId,
		Driver: ds.DriverName,
		State:  ds.GetValue(),
	})
}
