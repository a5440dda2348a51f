package drivers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const netatmoDriverName = "netatmo"
const netatmoNetClientTimeout = 10 * time.Second

const netatmoAuthAddress = "https://app.netatmo.net/oauth2/token"
const netatmoApiAddress = "https://app.netatmo.net/api"
const netatmoSetStateAddress = "https://app.netatmo.net/syncapi/v1/setstate"

// Module types as reported by homesdata: BFII is the intercom bridge,
// BNDL the door lock module behind it.
const netatmoBridgeType = "BFII"
const netatmoDoorType = "BNDL"

const netatmoAppType = "app_camera"
const netatmoAppVersion = "4.1.1.3"

// Failure reasons of a door open request, distinguishable with errors.Is.
var (
	ErrAuthentication = errors.New("authentication failed or token expired")
	ErrRejected       = errors.New("request rejected by remote service")
	ErrRateLimited    = errors.New("remote service rate limit hit")
)

// NetatmoDoor issues open commands for one discovered door module.
type NetatmoDoor struct {
	Netatmo *NetatmoIntercom

	info DoorInfo
}

func (nd *NetatmoDoor) Info() DoorInfo {
	return nd.info
}

// Open requests the unlocked state for the door module. One outbound
// call, no retries; the remote ack does not guarantee the door
// physically opened.
func (nd *NetatmoDoor) Open(ctx context.Context) error {
	return nd.Netatmo.setDoorState(ctx, nd.info, false)
}

type NetatmoIntercom struct {
	Username     string
	Password     string
	ClientId     string
	ClientSecret string

	AuthAddress     string
	ApiAddress      string
	SetStateAddress string

	authUrl     *url.URL
	homesUrl    *url.URL
	setStateUrl *url.URL

	accessToken string
	tokenLock   sync.Mutex

	doors     []*NetatmoDoor
	doorsLock sync.Mutex

	ready bool
}

func (ni *NetatmoIntercom) netClient() *http.Client {
	return &http.Client{
		Timeout: netatmoNetClientTimeout,
	}
}

func (ni *NetatmoIntercom) token() string {
	ni.tokenLock.Lock()
	defer ni.tokenLock.Unlock()

	return ni.accessToken
}

// checkResponse maps a non success status code to one of the exported
// failure reasons, keeping the response body in the message.
func checkResponse(response *http.Response) error {
	if response.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(response.Body)

	switch response.StatusCode {
	case http.StatusUnauthorized:
		return errors.Wrapf(ErrAuthentication, "status %d, response: %s", response.StatusCode, body)
	case http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest:
		return errors.Wrapf(ErrRejected, "status %d, response: %s", response.StatusCode, body)
	case http.StatusTooManyRequests:
		return errors.Wrapf(ErrRateLimited, "status %d, response: %s", response.StatusCode, body)
	}

	return errors.Errorf("netatmo returned non success status code (%d), response:\n%s", response.StatusCode, body)
}

// Authenticate performs the oauth2 password grant exchange and stores
// the received access token. Token refresh on expiry is left for the
// caller: on ErrAuthentication run Authenticate again.
func (ni *NetatmoIntercom) Authenticate(ctx context.Context) error {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", ni.Username)
	form.Set("password", ni.Password)
	form.Set("client_id", ni.ClientId)
	form.Set("client_secret", ni.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ni.authUrl.String(), strings.NewReader(form.Encode()))
	if err != nil {
		err = errors.Wrap(err, "preparing auth request failed")
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := ni.netClient().Do(req)
	if err != nil {
		return errors.Wrap(err, "sending auth request failed")
	}
	defer response.Body.Close()

	if response.StatusCode >= 400 && response.StatusCode < 500 {
		body, _ := io.ReadAll(response.Body)
		return errors.Wrapf(ErrAuthentication, "status %d, response: %s", response.StatusCode, body)
	}
	if response.StatusCode >= 300 {
		body, _ := io.ReadAll(response.Body)
		return errors.Errorf("auth endpoint returned non success status code (%d), response:\n%s", response.StatusCode, body)
	}

	tokenResponse := struct {
		AccessToken string `json:"access_token"`
	}{}

	err = json.NewDecoder(response.Body).Decode(&tokenResponse)
	if err != nil {
		return errors.Wrap(err, "failed to decode token response")
	}

	if len(tokenResponse.AccessToken) == 0 {
		return errors.Wrap(ErrAuthentication, "received empty access token")
	}

	ni.tokenLock.Lock()
	ni.accessToken = tokenResponse.AccessToken
	ni.tokenLock.Unlock()

	return nil
}

// RefreshDoors fetches homesdata and rebuilds the door set: per home
// the intercom bridge module is located first, then every door module
// behind it. Homes without a bridge are skipped.
func (ni *NetatmoIntercom) RefreshDoors(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ni.homesUrl.String(), nil)
	if err != nil {
		return errors.Wrap(err, "preparing homesdata request failed")
	}
	req.Header.Set("Authorization", "Bearer "+ni.token())

	response, err := ni.netClient().Do(req)
	if err != nil {
		return errors.Wrap(err, "sending homesdata request failed")
	}
	defer response.Body.Close()

	err = checkResponse(response)
	if err != nil {
		return errors.Wrap(err, "homesdata request failed")
	}

	type homeModule struct {
		Id   string `json:"id"`
		Type string `json:"type"`
		Name string `json:"name"`
	}
	homesData := struct {
		Body struct {
			Homes []struct {
				Id       string       `json:"id"`
				Name     string       `json:"name"`
				Timezone string       `json:"timezone"`
				Modules  []homeModule `json:"modules"`
			} `json:"homes"`
		} `json:"body"`
	}{}

	err = json.NewDecoder(response.Body).Decode(&homesData)
	if err != nil {
		return errors.Wrap(err, "failed to decode homesdata response")
	}

	doors := []*NetatmoDoor{}
	for _, home := range homesData.Body.Homes {
		bridgeId := ""
		for _, module := range home.Modules {
			if strings.EqualFold(module.Type, netatmoBridgeType) {
				bridgeId = module.Id
				break
			}
		}
		if len(bridgeId) == 0 {
			continue
		}

		for _, module := range home.Modules {
			if !strings.EqualFold(module.Type, netatmoDoorType) {
				continue
			}
			doors = append(doors, &NetatmoDoor{
				Netatmo: ni,
				info: DoorInfo{
					Id:       module.Id,
					Name:     module.Name,
					HomeId:   home.Id,
					HomeName: home.Name,
					BridgeId: bridgeId,
					Timezone: home.Timezone,
				},
			})
		}
	}

	ni.doorsLock.Lock()
	ni.doors = doors
	ni.doorsLock.Unlock()

	return nil
}

func (ni *NetatmoIntercom) getSetStateBody(door DoorInfo, lock bool) []byte {
	type stateModule struct {
		Id     string `json:"id"`
		Bridge string `json:"bridge"`
		Lock   bool   `json:"lock"`
	}
	type stateHome struct {
		Id       string        `json:"id"`
		Timezone string        `json:"timezone"`
		Modules  []stateModule `json:"modules"`
	}

	body := struct {
		AppType    string    `json:"app_type"`
		AppVersion string    `json:"app_version"`
		Home       stateHome `json:"home"`
	}{
		AppType:    netatmoAppType,
		AppVersion: netatmoAppVersion,
		Home: stateHome{
			Id:       door.HomeId,
			Timezone: door.Timezone,
			Modules: []stateModule{
				{Id: door.Id, Bridge: door.BridgeId, Lock: lock},
			},
		},
	}

	b, _ := json.Marshal(body)
	return b
}

// setDoorState issues one setstate call. Calls for different doors are
// not serialized against each other, each request carries its own net
// client.
func (ni *NetatmoIntercom) setDoorState(ctx context.Context, door DoorInfo, lock bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ni.setStateUrl.String(), bytes.NewReader(ni.getSetStateBody(door, lock)))
	if err != nil {
		return errors.Wrap(err, "preparing setstate request failed")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+ni.token())

	response, err := ni.netClient().Do(req)
	if err != nil {
		return errors.Wrap(err, "sending setstate request failed")
	}
	defer response.Body.Close()

	err = checkResponse(response)
	if err != nil {
		return errors.Wrapf(err, "setstate for door %s (home %s) failed", door.Id, door.HomeId)
	}

	return nil
}

func (ni *NetatmoIntercom) parseAddresses() (err error) {
	authAddress := ni.AuthAddress
	if len(authAddress) == 0 {
		authAddress = netatmoAuthAddress
	}
	apiAddress := ni.ApiAddress
	if len(apiAddress) == 0 {
		apiAddress = netatmoApiAddress
	}
	setStateAddress := ni.SetStateAddress
	if len(setStateAddress) == 0 {
		setStateAddress = netatmoSetStateAddress
	}

	ni.authUrl, err = url.Parse(authAddress)
	if err != nil {
		return errors.Wrap(err, "parsing auth url error")
	}

	apiUrl, err := url.Parse(apiAddress)
	if err != nil {
		return errors.Wrap(err, "parsing api url error")
	}
	ni.homesUrl = apiUrl.JoinPath("homesdata")

	ni.setStateUrl, err = url.Parse(setStateAddress)
	if err != nil {
		return errors.Wrap(err, "parsing setstate url error")
	}

	return nil
}

func (ni *NetatmoIntercom) Setup(ctx context.Context, doorIds []string) error {
	ni.ready = false

	err := ni.parseAddresses()
	if err != nil {
		return err
	}

	err = ni.Authenticate(ctx)
	if err != nil {
		return errors.Wrap(err, "netatmo authentication failed during setup")
	}

	err = ni.RefreshDoors(ctx)
	if err != nil {
		return errors.Wrap(err, "error when refreshing netatmo doors")
	}

	for _, id := range doorIds {
		_, err := ni.GetDoor(id)
		if err != nil {
			return errors.Wrapf(err, "configured door %s not present in netatmo account", id)
		}
	}

	ni.ready = true

	return nil
}

func (ni *NetatmoIntercom) Close() error {
	return nil
}

func (ni *NetatmoIntercom) NameId() string {
	return netatmoDriverName
}

func (ni *NetatmoIntercom) IsReady() bool {
	return ni.ready
}

func (ni *NetatmoIntercom) GetDoor(id string) (DoorOpener, error) {
	ni.doorsLock.Lock()
	defer ni.doorsLock.Unlock()

	for _, door := range ni.doors {
		if strings.EqualFold(door.info.Id, id) {
			return door, nil
		}
	}
	return nil, errors.Errorf("door id %s not found", id)
}

func (ni *NetatmoIntercom) GetAllDoors() (doors []DoorInfo) {
	ni.doorsLock.Lock()
	defer ni.doorsLock.Unlock()

	for _, door := range ni.doors {
		doors = append(doors, door.info)
	}

	return
}
