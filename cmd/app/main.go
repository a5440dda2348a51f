package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hubertat/servicemaker"

	"github.com/hubertat/doorkit"
)

const defaultSyncInterval = "1s"
const defaultDiscoveryInterval = "15m"

var (
	Version string
	Build   string

	config            = flag.String("config", "config.json", "path of the configuration file")
	flagInstall       = flag.Bool("install", false, "Install service in os")
	syncInterval      = flag.String("sync", defaultSyncInterval, "sync interval (time.Duration)")
	discoveryInterval = flag.String("discovery", defaultDiscoveryInterval, "door topology refresh interval (time.Duration)")

	dkService = servicemaker.ServiceMaker{
		User:               "doorkit",
		UserGroups:         []string{"gpio"},
		ServicePath:        "/etc/systemd/system/doorkit.service",
		ServiceDescription: "DoorKit service: HomeKit enabled intercom door opener bridge. github.com/hubertat/doorkit",
		ExecDir:            "/srv/doorkit",
		ExecName:           "doorkit",
	}
)

// credentials come from the environment so secrets stay out of the
// json config file; non empty values override config fields.
type envCredentials struct {
	Username     string `env:"NETATMO_USERNAME"`
	Password     string `env:"NETATMO_PASSWORD"`
	ClientId     string `env:"NETATMO_CLIENT_ID"`
	ClientSecret string `env:"NETATMO_CLIENT_SECRET"`
	InfluxToken  string `env:"DOORKIT_INFLUX_TOKEN"`
	ControlToken string `env:"DOORKIT_CONTROL_TOKEN"`
}

func applyEnvOverrides(dk *doorkit.DoorKit) error {
	creds := envCredentials{}
	err := env.Parse(&creds)
	if err != nil {
		return err
	}

	if dk.Netatmo != nil {
		if len(creds.Username) > 0 {
			dk.Netatmo.Username = creds.Username
		}
		if len(creds.Password) > 0 {
			dk.Netatmo.Password = creds.Password
		}
		if len(creds.ClientId) > 0 {
			dk.Netatmo.ClientId = creds.ClientId
		}
		if len(creds.ClientSecret) > 0 {
			dk.Netatmo.ClientSecret = creds.ClientSecret
		}
	}

	if dk.Influx != nil && len(creds.InfluxToken) > 0 {
		dk.Influx.Token = creds.InfluxToken
	}

	if dk.Control != nil && len(creds.ControlToken) > 0 {
		dk.Control.Token = creds.ControlToken
	}

	return nil
}

func main() {
	log.Printf("doorkit %s started\n", Version)
	flag.Parse()

	if *flagInstall {
		err := dkService.InstallService()
		if err != nil {
			panic(err)
		} else {
			log.Println("service installed!")
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncDuration, err := time.ParseDuration(*syncInterval)
	if err != nil {
		panic(err)
	}
	discoveryDuration, err := time.ParseDuration(*discoveryInterval)
	if err != nil {
		panic(err)
	}

	dk := &doorkit.DoorKit{}
	configFile, err := os.Open(*config)
	if err == nil {
		cBuff, err := io.ReadAll(configFile)
		if err != nil {
			log.Fatalf("failed reading config file: %v\n", err)
		}

		err = json.Unmarshal(cBuff, dk)
		if err != nil {
			log.Fatalf("failed unmarshalling json config: %v", err)
		}
	} else {
		log.Fatalf("can't find/open config file (%s), will terminate. Reason: \n%v\n", *config, err)
	}

	err = applyEnvOverrides(dk)
	if err != nil {
		log.Fatalf("failed reading env overrides: %v", err)
	}

	log.Println("will init doorkit drivers...")
	err = dk.InitDrivers(ctx)
	defer dk.Close()
	if err != nil {
		panic(err)
	}

	dk.DiscoverDoors()

	log.Println("will init door switches...")
	err = dk.InitSwitches()
	if err != nil {
		panic(err)
	}

	if len(dk.MqttBroker) > 0 {
		log.Println("will connect to mqtt broker...")
		err = dk.InitMqtt()
		if err != nil {
			log.Printf("mqtt init returned error: %v\n we will proceed without mqtt...", err)
		}
	}

	err = dk.StartControl()
	if err != nil {
		log.Printf("control server returned error: %v\n we will proceed without it...", err)
	}

	dk.PrintDoorStatus(os.Stdout)

	if len(dk.HkPin) == 8 {
		log.Println("Starting with HomeKit server")

		go dk.StartTicker(syncDuration, discoveryDuration)
		log.Fatal(dk.StartHomeKit(context.Background(), Version))
	} else {
		log.Println("HomeKit not configured, disabled")
		dk.StartTicker(syncDuration, discoveryDuration)
	}

}
