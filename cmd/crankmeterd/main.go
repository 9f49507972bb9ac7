// Command crankmeterd wires together the acquisition-and-fusion
// pipeline: the shared Kalman filter, the IMU/side/low-speed/
// housekeeping tasks, the top-level Active/Sleep/Flat state machine,
// and the connection subsystem, then runs them until a signal arrives.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/monashpm/crankmeter/internal/config"
	"github.com/monashpm/crankmeter/internal/connection"
	"github.com/monashpm/crankmeter/internal/critsec"
	"github.com/monashpm/crankmeter/internal/housekeeping"
	"github.com/monashpm/crankmeter/internal/imu"
	"github.com/monashpm/crankmeter/internal/kalman"
	"github.com/monashpm/crankmeter/internal/lowspeed"
	"github.com/monashpm/crankmeter/internal/side"
	"github.com/monashpm/crankmeter/internal/topstate"
)

// buildVersion and buildCompiled are set via -ldflags "-X main.buildVersion=...",
// left at their defaults otherwise.
var (
	buildVersion  = "dev"
	buildCompiled = "unknown"
	hwVersion     = "unknown"
)

// highSpeedQueueReserve pads each high-speed producer queue beyond the
// configured batch size so a connection-subsystem stall doesn't drop
// the batch currently being assembled.
const highSpeedQueueReserve = 64

const lowRateQueueCapacity = 16

func main() {
	configPath := flag.String("config", "/etc/crankmeter/config.yaml", "Path to config file")
	listenAddr := flag.String("listen", "", "Override pub/sub transport listen address (e.g. :7777)")
	blePort := flag.String("ble-port", "", "Override BLE bridge serial port path")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] crankmeterd starting")

	cfg := config.Load(*configPath)
	if *listenAddr != "" {
		cfg.Transport.PubSub.ListenAddr = *listenAddr
	}
	if *blePort != "" {
		cfg.Transport.BLE.PortPath = *blePort
	}
	store := config.NewStore(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	filter := kalman.New(kalman.Config{Q: cfg.KalmanQ, R: cfg.KalmanR})
	accept := critsec.NewFlag(false)
	lowSpeedNotify := critsec.NewNotifyWord()

	highSpeedCap := cfg.HighSpeedBatchSize + highSpeedQueueReserve

	imuTask := imu.New(imu.NewDemo(), filter, store, lowSpeedNotify, accept, highSpeedCap)

	leftTask := side.New(side.Left, side.NewDemo(), filter, store, imuTask.Rotation, lowSpeedNotify, accept, highSpeedCap)
	rightTask := side.New(side.Right, side.NewDemo(), filter, store, imuTask.Rotation, lowSpeedNotify, accept, highSpeedCap)

	lowSpeedTask := lowspeed.New(lowSpeedNotify, imuTask.Rotation, leftTask.AvgPowerW, rightTask.AvgPowerW, accept, lowRateQueueCapacity)

	// quiescer defers the topstate Machine's wiring to the connection
	// subsystem: the Machine must exist before the housekeeping Task can
	// be built, but the connection Core can't be built until the
	// housekeeping Task's output queue exists. Its Disable call is a
	// pass-through once connCore is assigned below.
	quiescer := &coreQuiescer{}
	topMachine := topstate.New(quiescer)

	houseTask := housekeeping.New(housekeeping.NewDemo(), store, topMachine, imuTask.Rotation, imuTask.LastTempC, leftTask.Offset, rightTask.Offset, accept, lowRateQueueCapacity)

	commands := &connection.Commands{
		Cfg:   store,
		Sides: [2]connection.ZeroOffsetArmer{leftTask, rightTask},
	}
	transport := newTransport(cfg.Transport, commands)
	about := connection.AboutDevice{
		Name:        "crankmeter",
		Compiled:    buildCompiled,
		SWVersion:   buildVersion,
		HWVersion:   hwVersion,
		Calibration: *cfg,
	}
	queues := connection.Queues{
		IMU:          imuTask.Out,
		Left:         leftTask.Out,
		Right:        rightTask.Out,
		LowSpeed:     lowSpeedTask.Out,
		Housekeeping: houseTask.Out,
	}
	connCore := connection.New(transport, store, accept, about, queues)
	quiescer.core = connCore
	topMachine.OnActive = connCore.Enable

	imuTask.WakeSignal = func() { topMachine.MotionWake() }

	go imuTask.Run(ctx)
	go leftTask.Run(ctx)
	go rightTask.Run(ctx)
	go lowSpeedTask.Run(ctx)
	go houseTask.Run(ctx)
	go connCore.Run(ctx)

	connCore.Enable()

	<-ctx.Done()
	log.Println("[main] shutdown complete")
}

// coreQuiescer adapts a *connection.Core, assigned after construction,
// to topstate.Quiescer.
type coreQuiescer struct {
	core *connection.Core
}

func (q *coreQuiescer) Disable() {
	if q.core != nil {
		q.core.Disable()
	}
}

func newTransport(cfg config.TransportConfig, commands *connection.Commands) connection.Transport {
	switch cfg.Kind {
	case "ble":
		// The BLE bridge leg has no inbound command channel; the
		// operator console covers configuration and calibration there.
		return connection.NewBLETransport(cfg.BLE.PortPath, cfg.BLE.BaudRate)
	default:
		t := connection.NewPubSubTransport(cfg.PubSub.ListenAddr)
		t.Commands = commands
		return t
	}
}
