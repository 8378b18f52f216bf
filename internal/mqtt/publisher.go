package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"hoymiles-bridge/internal/bridge"
)

// Publisher mirrors snapshots onto MQTT: one topic per value plus a
// retained JSON status, with Home Assistant discovery for the common
// sensors.
type Publisher struct {
	client      mqtt.Client
	topicPrefix string
	enabled     bool
}

type PublisherConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Enabled     bool
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if !cfg.Enabled {
		return &Publisher{enabled: false}, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			log.Printf("MQTT connection lost: %v", err)
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			log.Println("MQTT connected")
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &Publisher{
		client:      client,
		topicPrefix: cfg.TopicPrefix,
		enabled:     true,
	}, nil
}

// PublishSnapshot mirrors one observer cycle. Implements
// bridge.SnapshotSink.
func (p *Publisher) PublishSnapshot(snap *bridge.Snapshot) error {
	if !p.enabled {
		return nil
	}

	agg := snap.Aggregate
	aggTopics := map[string]interface{}{
		"power":           agg.PowerW,
		"current":         agg.CurrentA,
		"voltage":         agg.VoltageV,
		"frequency":       agg.FrequencyHz,
		"energy_total":    agg.EnergyKWh,
		"valid_sources":   agg.ValidSources,
		"producing":       agg.Producing,
		"power_limit_pct": snap.PowerLimitPct,
		"client_active":   snap.ClientActive,
	}
	if !math.IsNaN(agg.MaxTempC) {
		aggTopics["temperature"] = agg.MaxTempC
	}

	for name, value := range aggTopics {
		topic := fmt.Sprintf("%s/aggregate/%s", p.topicPrefix, name)
		token := p.client.Publish(topic, 0, false, fmt.Sprintf("%v", value))
		token.Wait()
		if token.Error() != nil {
			log.Printf("Failed to publish to %s: %v", topic, token.Error())
		}
	}

	for _, src := range snap.Sources {
		topics := map[string]interface{}{
			"power":        src.PowerW,
			"voltage":      src.VoltageV,
			"current":      src.CurrentA,
			"frequency":    src.FrequencyHz,
			"energy_total": src.EnergyKWh,
			"energy_today": src.TodayWh,
			"temperature":  src.TemperatureC,
			"pv_voltage":   src.PVVoltageV,
			"pv_current":   src.PVCurrentA,
			"pv_power":     src.PVPowerW,
			"alarm_code":   src.AlarmCode,
			"online":       src.Online,
			"status":       src.Status,
		}
		for name, value := range topics {
			topic := fmt.Sprintf("%s/source%d/%s", p.topicPrefix, src.Index, name)
			token := p.client.Publish(topic, 0, false, fmt.Sprintf("%v", value))
			token.Wait()
			if token.Error() != nil {
				log.Printf("Failed to publish to %s: %v", topic, token.Error())
			}
		}
	}

	// Publish full snapshot as retained JSON
	statusJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	statusTopic := fmt.Sprintf("%s/status", p.topicPrefix)
	token := p.client.Publish(statusTopic, 0, true, statusJSON)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish status: %w", token.Error())
	}

	return nil
}

// PublishHomeAssistantDiscovery announces the aggregate sensors.
func (p *Publisher) PublishHomeAssistantDiscovery(sources []bridge.SourceSnapshot) error {
	if !p.enabled {
		return nil
	}

	sensors := []struct {
		Name        string
		ID          string
		Unit        string
		DeviceClass string
	}{
		{"Power", "power", "W", "power"},
		{"Current", "current", "A", "current"},
		{"Voltage", "voltage", "V", "voltage"},
		{"Frequency", "frequency", "Hz", "frequency"},
		{"Total Energy", "energy_total", "kWh", "energy"},
		{"Temperature", "temperature", "°C", "temperature"},
		{"Power Limit", "power_limit_pct", "%", ""},
	}

	for _, sensor := range sensors {
		discoveryTopic := fmt.Sprintf("homeassistant/sensor/hoymiles_bridge/%s/config", sensor.ID)

		config := map[string]interface{}{
			"name":                fmt.Sprintf("Hoymiles %s", sensor.Name),
			"unique_id":           fmt.Sprintf("hoymiles_bridge_%s", sensor.ID),
			"state_topic":         fmt.Sprintf("%s/aggregate/%s", p.topicPrefix, sensor.ID),
			"unit_of_measurement": sensor.Unit,
			"device": map[string]interface{}{
				"identifiers":  []string{"hoymiles_bridge"},
				"name":         "Hoymiles Bridge",
				"manufacturer": "Hoymiles",
			},
		}
		if sensor.DeviceClass != "" {
			config["device_class"] = sensor.DeviceClass
		}

		payload, _ := json.Marshal(config)
		token := p.client.Publish(discoveryTopic, 0, true, payload)
		token.Wait()
	}

	for _, src := range sources {
		discoveryTopic := fmt.Sprintf("homeassistant/sensor/hoymiles_bridge/source%d_power/config", src.Index)
		config := map[string]interface{}{
			"name":                fmt.Sprintf("%s Power", src.Name),
			"unique_id":           fmt.Sprintf("hoymiles_bridge_source%d_power", src.Index),
			"state_topic":         fmt.Sprintf("%s/source%d/power", p.topicPrefix, src.Index),
			"unit_of_measurement": "W",
			"device_class":        "power",
			"device": map[string]interface{}{
				"identifiers":  []string{"hoymiles_bridge"},
				"name":         "Hoymiles Bridge",
				"manufacturer": "Hoymiles",
				"model":        src.Model,
			},
		}
		payload, _ := json.Marshal(config)
		token := p.client.Publish(discoveryTopic, 0, true, payload)
		token.Wait()
	}

	return nil
}

func (p *Publisher) IsConnected() bool {
	if !p.enabled {
		return false
	}
	return p.client.IsConnected()
}

func (p *Publisher) Close() {
	if p.enabled && p.client != nil {
		p.client.Disconnect(1000)
	}
}
