package main

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/paho"
	"github.com/hubertat/doorkit/mqtt"
)

const clientID = "mq-doorkit-test"
const stateTopic = "doorkit/front_door/state"
const setTopic = "doorkit/front_door/set"

type Handler struct {
	topic string
}

func (h *Handler) MqttSubscribeTopic() string {
	return h.topic
}

func (h *Handler) MqttHandle(pub *paho.Publish) {
	log.Info("received mqtt message", "topic", pub.Topic, "payload", string(pub.Payload))
}

func main() {
	broker := "mqtt://127.0.0.1:1883"

	log.SetLevel(log.DebugLevel)

	mc, err := mqtt.NewMqttClient(broker, clientID)
	if err != nil {
		log.Error("failed to create mqtt client", "error", err)
		return
	}

	err = mc.Connect([]mqtt.MqttHandler{&Handler{topic: stateTopic}})
	if err != nil {
		log.Error("failed to connect to mqtt broker", "error", err)
		return
	}

	log.Info("connected, will trigger the door and watch its state topic")

	err = mc.Publish(setTopic, []byte("ON"))
	if err != nil {
		log.Error("failed to publish", "error", err)
	}

	time.Sleep(10 * time.Second)
}
