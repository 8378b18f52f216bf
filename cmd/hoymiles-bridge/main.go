package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hoymiles-bridge/config"
	"hoymiles-bridge/internal/api"
	"hoymiles-bridge/internal/bridge"
	"hoymiles-bridge/internal/modbus"
	"hoymiles-bridge/internal/mqtt"
	"hoymiles-bridge/internal/rtu"
	"hoymiles-bridge/internal/server"
	"hoymiles-bridge/internal/storage"
	"hoymiles-bridge/internal/sunspec"

	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hoymiles-bridge",
		Short: "Hoymiles to SunSpec bridge",
		Long:  "Polls Hoymiles microinverters through a DTU over Modbus RTU and serves them as one SunSpec inverter over Modbus TCP",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(checkCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildIdentity(cfg *config.Config, sources []*bridge.Source) sunspec.DeviceIdentity {
	id := sunspec.DeviceIdentity{
		UnitID:        cfg.Device.UnitID,
		Phases:        cfg.Device.Phases,
		RatedVoltageV: cfg.Device.RatedVoltageV,
		Manufacturer:  cfg.Device.Manufacturer,
		ModelName:     cfg.Device.ModelName,
		SerialNumber:  cfg.Device.SerialNumber,
	}
	for _, s := range sources {
		id.RatedPowerW += s.RatedPowerW
		if id.RatedVoltageV > 0 {
			id.RatedCurrentA += float64(s.RatedPowerW) / float64(id.RatedVoltageV)
		}
	}
	return id
}

func buildSources(cfg *config.Config) []*bridge.Source {
	sources := make([]*bridge.Source, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		sources = append(sources, bridge.NewSource(sc))
	}
	return sources
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge",
		Long:  "Start the RTU poller, the Modbus TCP server, and the observers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			sources := buildSources(cfg)
			identity := buildIdentity(cfg, sources)

			log.Println("============================================")
			log.Printf("  Hoymiles SunSpec Bridge")
			log.Printf("  DTU address: %d, %d inverter ports", cfg.RTU.DTUAddress, len(sources))
			log.Printf("  Serving as unit_id %d on TCP :%d", identity.UnitID, cfg.TCP.Port)
			log.Printf("  Identity: %s / %s / %s", identity.Manufacturer, identity.ModelName, identity.SerialNumber)
			log.Printf("  Total rated: %dW, %.1fA @ %dV", identity.RatedPowerW, identity.RatedCurrentA, identity.RatedVoltageV)
			log.Println("============================================")

			image := sunspec.NewImage(identity)
			aggregator := bridge.NewAggregator(image, identity.Phases)

			port, err := rtu.OpenSerial(cfg.RTU.Device, cfg.RTU.BaudRate)
			if err != nil {
				return err
			}
			defer port.Close()

			poller := bridge.NewPoller(bridge.PollerConfig{
				Port:         port,
				DTUAddress:   cfg.RTU.DTUAddress,
				PollInterval: cfg.RTU.PollInterval,
				RTUTimeout:   cfg.RTU.Timeout,
			}, sources, aggregator)

			tcpServer := server.New(server.Config{
				Address:      fmt.Sprintf(":%d", cfg.TCP.Port),
				UnitID:       identity.UnitID,
				Image:        image,
				OnPowerLimit: poller.ForwardPowerLimit,
			})
			// A bind failure is not fatal: the RTU side keeps polling and
			// the failure is visible in the logs.
			if err := tcpServer.Start(); err != nil {
				log.Printf("Modbus TCP server failed to start: %v", err)
			}
			defer tcpServer.Close()

			publisher, err := mqtt.NewPublisher(mqtt.PublisherConfig{
				Broker:      cfg.MQTT.Broker,
				ClientID:    cfg.MQTT.ClientID,
				Username:    cfg.MQTT.Username,
				Password:    cfg.MQTT.Password,
				TopicPrefix: cfg.MQTT.TopicPrefix,
				Enabled:     cfg.MQTT.Enabled,
			})
			if err != nil {
				log.Printf("Warning: MQTT connection failed: %v", err)
				publisher = nil
			} else if cfg.MQTT.Enabled {
				log.Printf("MQTT connected to %s", cfg.MQTT.Broker)
			}

			var db *storage.Database
			if cfg.Database.Enabled {
				db, err = storage.NewDatabase(cfg.Database.Path)
				if err != nil {
					return fmt.Errorf("failed to open database: %w", err)
				}
				log.Printf("Database opened at %s", cfg.Database.Path)
				defer db.Close()
			}

			var sinks []bridge.SnapshotSink
			if publisher != nil && publisher.IsConnected() {
				sinks = append(sinks, publisher)
			}
			if db != nil {
				sinks = append(sinks, db)
			}

			observer := bridge.NewObserver(bridge.ObserverConfig{
				Poller:       poller,
				Aggregator:   aggregator,
				PollInterval: cfg.RTU.PollInterval,
				Interval:     5 * time.Second,
				TCPStatus: func() bridge.TCPStatus {
					st := tcpServer.Stats()
					return bridge.TCPStatus{
						ActiveClients: st.ActiveClients,
						RequestCount:  st.RequestCount,
						ErrorCount:    st.ErrorCount,
						LastActivity:  st.LastActivity,
					}
				},
				PowerLimit: image.PowerLimit,
				Sinks:      sinks,
			})

			if publisher != nil && publisher.IsConnected() {
				publisher.PublishHomeAssistantDiscovery(observer.Snapshot(time.Now()).Sources)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			go poller.Run(ctx)
			go observer.Run(ctx)

			if cfg.API.Enabled {
				apiServer := api.NewServer(api.ServerConfig{
					Port:     cfg.API.Port,
					Observer: observer,
					Database: db,
				})
				go func() {
					if err := apiServer.Start(); err != nil {
						log.Printf("API server error: %v", err)
					}
				}()
				defer apiServer.Stop()
			}

			log.Println("Hoymiles bridge started. Press Ctrl+C to stop.")

			<-sigChan
			log.Println("Shutting down...")
			cancel()
			if publisher != nil {
				publisher.Close()
			}

			return nil
		},
	}
}

func probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Poll each source once",
		Long:  "Poll every configured DTU port once over RTU and print the decoded data",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			sources := buildSources(cfg)
			identity := buildIdentity(cfg, sources)
			image := sunspec.NewImage(identity)
			aggregator := bridge.NewAggregator(image, identity.Phases)

			port, err := rtu.OpenSerial(cfg.RTU.Device, cfg.RTU.BaudRate)
			if err != nil {
				return err
			}
			defer port.Close()

			poller := bridge.NewPoller(bridge.PollerConfig{
				Port:         port,
				DTUAddress:   cfg.RTU.DTUAddress,
				PollInterval: cfg.RTU.PollInterval,
				RTUTimeout:   cfg.RTU.Timeout,
			}, sources, aggregator)

			results := make(map[string]interface{})
			for i, s := range sources {
				data, err := poller.Probe(i)
				if err != nil {
					results[s.Name] = map[string]string{"error": err.Error()}
					continue
				}
				results[s.Name] = data
			}

			output, _ := json.MarshalIndent(results, "", "  ")
			fmt.Println(string(output))
			return nil
		},
	}
}

func checkCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check a running bridge over Modbus TCP",
		Long:  "Connect to the bridge the way a GX controller would and read back the SunSpec identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if addr == "" {
				addr = fmt.Sprintf("127.0.0.1:%d", cfg.TCP.Port)
			}
			fmt.Printf("Testing connection to %s (unit %d)...\n", addr, cfg.Device.UnitID)

			client := modbus.NewClient(addr, cfg.Device.UnitID, 5*time.Second)
			if err := client.Connect(); err != nil {
				fmt.Printf("Connection FAILED: %v\n", err)
				return err
			}
			defer client.Close()

			marker, err := client.ReadHoldingRegisters(sunspec.BaseAddress, 2)
			if err != nil {
				fmt.Printf("Read FAILED: %v\n", err)
				return err
			}
			if marker[0] != 0x5375 || marker[1] != 0x6e53 {
				return fmt.Errorf("no SunS marker at %d (got 0x%04X 0x%04X)",
					sunspec.BaseAddress, marker[0], marker[1])
			}

			fmt.Println("Connection SUCCESS!")

			manufacturer, _ := client.ReadString(sunspec.BaseAddress+sunspec.OffModel1+2, 16)
			model, _ := client.ReadString(sunspec.BaseAddress+sunspec.OffModel1+2+16, 16)
			serial, _ := client.ReadString(sunspec.BaseAddress+sunspec.OffModel1+2+48, 16)
			invModel, _ := client.ReadUint16(sunspec.BaseAddress + sunspec.OffInv)
			state, _ := client.ReadUint16(sunspec.BaseAddress + sunspec.OffInv + 2 + sunspec.InvSt)
			power, _ := client.ReadUint16(sunspec.BaseAddress + sunspec.OffInv + 2 + sunspec.InvW)
			limit, _ := client.ReadUint16(sunspec.BaseAddress + sunspec.OffM123 + 2 + 5)

			fmt.Printf("\nDevice:\n")
			fmt.Printf("  Manufacturer:  %s\n", manufacturer)
			fmt.Printf("  Model:         %s\n", model)
			fmt.Printf("  Serial:        %s\n", serial)
			fmt.Printf("  Inverter type: Model %d\n", invModel)
			fmt.Printf("\nLive values:\n")
			fmt.Printf("  State:         %s\n", sunspec.StateString(state))
			fmt.Printf("  Power:         %d W\n", int16(power))
			fmt.Printf("  Limit:         %.1f %%\n", float64(limit)/10)

			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "bridge address (default 127.0.0.1:<tcp.port>)")
	return cmd
}
