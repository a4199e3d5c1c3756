// pdulink - ePDU polling and outlet control service
//
// Polls Eaton ePDUs over SNMP, republishes readings and outlet states via
// REST API, MQTT, Valkey and Kafka, and accepts outlet commands from each.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pdulink/api"
	"pdulink/config"
	"pdulink/history"
	"pdulink/kafka"
	"pdulink/logging"
	"pdulink/mqtt"
	"pdulink/pduman"
	"pdulink/shell"
	"pdulink/ssh"
	"pdulink/valkey"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag handles --log-debug without a value by injecting "all" as the default.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if len(arg) > 11 && (arg[:12] == "--log-debug=" || arg[:11] == "-log-debug=") {
			return
		}
	}
}

// healthInterval is how often device health is republished.
const healthInterval = 10 * time.Second

func main() {
	preprocessLogDebugFlag()
	flags := parseFlags(os.Args[1:])

	if flags.showVersion {
		fmt.Printf("pdulink %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := applyFlags(cfg, flags); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	run(cfg, flags)
}

// run wires the device manager to every publisher and blocks until a
// signal arrives or the shell exits.
func run(cfg *config.Config, flags *cliFlags) {
	var fileLogger *logging.FileLogger
	if flags.logFile != "" {
		var err error
		fileLogger, err = logging.NewFileLogger(flags.logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		}
	}
	logf := fileLogger.For("pdulink")

	var debugLoggerFile *logging.DebugLogger
	if flags.logDebug != "" {
		var err error
		debugLoggerFile, err = logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			filter := flags.logDebug
			if filter == "all" || filter == "true" || filter == "1" {
				filter = ""
			}
			debugLoggerFile.SetFilter(filter)
			logging.SetGlobalDebugLogger(debugLoggerFile)
		}
	}

	manager := pduman.NewManager(cfg.PollRate)
	if err := manager.LoadFromConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		logf("%v", err)
	}

	var store *history.Store
	if cfg.History.Enabled {
		path := cfg.HistoryPath(flags.configPath)
		s, err := history.Open(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: history disabled: %v\n", err)
		} else {
			store = s
			logf("history at %s", path)
		}
	}

	mqttMgr := mqtt.NewManager(cfg.Namespace)
	mqttMgr.LoadFromConfig(cfg.MQTT)
	mqttMgr.SetDevices(deviceNames(cfg))

	valkeyMgr := valkey.NewManager(cfg.Namespace)
	valkeyMgr.LoadFromConfig(cfg.Valkey)

	kafkaMgr := kafka.NewManager(cfg.Namespace)
	if err := kafkaMgr.LoadFromConfig(cfg.Kafka); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		logf("%v", err)
	}

	managers := &managersWrapper{config: cfg, pduMan: manager, history: store}

	var webServer *api.Server
	var events *api.Events
	if cfg.Web.Enabled {
		ws := api.NewServer(&cfg.Web, managers)
		if err := ws.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start web server on port %d: %v\n", cfg.Web.Port, err)
			fmt.Fprintf(os.Stderr, "Continuing without HTTP server.\n")
			ws.Stop()
		} else {
			webServer = ws
			events = ws.Events()
			fmt.Printf("Web server at %s\n", ws.Address())
			if cfg.Web.API.Enabled {
				fmt.Printf("  REST API: %s/api/\n", ws.Address())
			}
			logf("web server at %s", ws.Address())
		}
	}

	var sshServer *ssh.Server
	if cfg.SSH.Enabled {
		sshServer = ssh.NewServer(&cfg.SSH, sshUsers(cfg), cfg.HostKeyPath(flags.configPath), manager)
		sshServer.SetOnSessionConnect(func(user, remoteAddr string) {
			logf("ssh: %s connected from %s (sessions: %d)", user, remoteAddr, sshServer.SessionCount())
		})
		sshServer.SetOnSessionDisconnect(func(user, remoteAddr string) {
			logf("ssh: %s disconnected from %s", user, remoteAddr)
		})
		if err := sshServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start SSH server: %v\n", err)
			sshServer = nil
		} else {
			fmt.Printf("SSH shell on %s\n", sshServer.Address())
			logf("ssh server on %s", sshServer.Address())
		}
	}

	setupValueChangeHandlers(manager, mqttMgr, valkeyMgr, kafkaMgr, events)
	setupStatusHandlers(manager, mqttMgr, valkeyMgr, kafkaMgr, events, store, logf)
	setupOutletHandlers(manager, mqttMgr, valkeyMgr, kafkaMgr)

	valkeyMgr.SetOnConnectCallback(func() {
		valkeyMgr.PublishChanges(manager.GetAllCurrentReadings())
	})

	manager.Start()

	go func() {
		if started := mqttMgr.StartAll(); started > 0 {
			mqttMgr.PublishChanges(manager.GetAllCurrentReadings(), true)
		}
	}()
	go valkeyMgr.StartAll()
	go func() {
		kafkaMgr.ConnectEnabled()
		if kafkaMgr.AnyPublishing() {
			kafkaMgr.PublishChanges(manager.GetAllCurrentReadings(), true)
		}
	}()

	stopHealth := make(chan struct{})
	go publishHealthLoop(manager, mqttMgr, valkeyMgr, kafkaMgr, stopHealth)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if flags.shell {
		sh, err := shell.New(manager)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		} else {
			sh.Run(ctx, cancel)
		}
	} else {
		fmt.Println("Running. Press Ctrl+C to stop.")
	}
	<-ctx.Done()
	fmt.Println("\nShutting down...")
	logf("shutting down")

	shutdownDone := make(chan struct{})
	go func() {
		close(stopHealth)
		if sshServer != nil {
			sshServer.Stop()
		}
		mqttMgr.StopAll()
		valkeyMgr.StopAll()
		kafkaMgr.StopAll()
		if webServer != nil {
			webServer.Stop()
		}
		manager.Stop()
		if store != nil {
			store.Close()
		}
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(3 * time.Second):
	}

	if fileLogger != nil {
		fileLogger.Close()
	}
	if debugLoggerFile != nil {
		debugLoggerFile.Close()
	}

	fmt.Println("Stopped")
}

func deviceNames(cfg *config.Config) []string {
	names := make([]string, len(cfg.Devices))
	for i, d := range cfg.Devices {
		names[i] = d.Name
	}
	return names
}

// sshUsers returns the password lookup for SSH logins, or nil when no web
// users are configured and only keys can log in.
func sshUsers(cfg *config.Config) ssh.UserLookup {
	if len(cfg.Web.Users) == 0 {
		return nil
	}
	return cfg.FindWebUser
}

// setupValueChangeHandlers publishes reading and switch changes to MQTT,
// Valkey, Kafka and the API event stream.
func setupValueChangeHandlers(manager *pduman.Manager, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager, events *api.Events) {
	manager.SetOnValueChange(func(changes []pduman.ValueChange) {
		mqttRunning := mqttMgr.AnyRunning()
		valkeyRunning := valkeyMgr.AnyRunning()
		kafkaPublishing := kafkaMgr.AnyPublishing()

		logging.DebugLog("pdulink", "OnValueChange: %d changes, MQTT: %v, Valkey: %v, Kafka: %v",
			len(changes), mqttRunning, valkeyRunning, kafkaPublishing)

		if events != nil {
			events.PublishChanges(changes)
		}

		changesCopy := make([]pduman.ValueChange, len(changes))
		copy(changesCopy, changes)

		if mqttRunning {
			go mqttMgr.PublishChanges(changesCopy, false)
		}
		if valkeyRunning {
			go valkeyMgr.PublishChanges(changesCopy)
		}
		if kafkaPublishing {
			go kafkaMgr.PublishChanges(changesCopy, false)
		}
	})
}

// setupStatusHandlers republishes health on every state transition and
// logs failures, recoveries and outlet commands to history.
func setupStatusHandlers(manager *pduman.Manager, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager,
	events *api.Events, store *history.Store, logf func(string, ...interface{})) {

	manager.SetOnStatusChange(func(sc pduman.StatusChange) {
		if sc.State == pduman.StateRefreshing {
			return
		}
		if events != nil {
			events.PublishStatus(sc)
		}
		if store != nil {
			if e, ok := history.StatusEvent(sc); ok {
				store.Enqueue(e)
			}
		}
		if sc.State == pduman.StateFailed {
			logf("%s: refresh failed: %s", sc.Device, sc.Error)
		} else if sc.Recovered() {
			logf("%s: refresh recovered", sc.Device)
		}
		if dev := manager.GetDevice(sc.Device); dev != nil {
			go publishHealth(dev.Health(), mqttMgr, valkeyMgr, kafkaMgr)
		}
	})

	manager.SetOnCommand(func(cmd pduman.Command) {
		if events != nil {
			events.PublishCommand(cmd)
		}
		if store != nil {
			store.Enqueue(history.CommandEvent(cmd))
		}
		logf("outlet %s %s/%s on=%v source=%s success=%v %s", cmd.Device, cmd.Unit, cmd.Outlet, cmd.On, cmd.Source, cmd.Success, cmd.Error)
	})
}

// setupOutletHandlers routes outlet commands from every broker to the manager.
func setupOutletHandlers(manager *pduman.Manager, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) {
	mqttMgr.SetOutletHandler(manager.SetOutlet)
	valkeyMgr.SetOutletHandler(manager.SetOutlet)
	kafkaMgr.SetOutletHandler(manager.SetOutlet)
}

// publishHealthLoop publishes device health to all services every healthInterval.
func publishHealthLoop(manager *pduman.Manager, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager, stop <-chan struct{}) {
	select {
	case <-time.After(2 * time.Second):
	case <-stop:
		return
	}

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		for _, dev := range manager.ListDevices() {
			publishHealth(dev.Health(), mqttMgr, valkeyMgr, kafkaMgr)
		}
		select {
		case <-ticker.C:
		case <-stop:
			return
		}
	}
}

func publishHealth(h pduman.Health, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) {
	mqttMgr.PublishHealth(h)
	valkeyMgr.PublishHealth(h)
	kafkaMgr.PublishHealth(h)
}

// managersWrapper implements api.Managers.
type managersWrapper struct {
	config  *config.Config
	pduMan  *pduman.Manager
	history *history.Store
}

func (m *managersWrapper) GetConfig() *config.Config  { return m.config }
func (m *managersWrapper) GetPDUMan() *pduman.Manager { return m.pduMan }
func (m *managersWrapper) GetHistory() *history.Store { return m.history }
