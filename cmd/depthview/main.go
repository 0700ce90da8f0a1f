// Command depthview captures point clouds from one or more depth cameras,
// levels each camera from its accelerometer and serves the merged scene over
// gRPC and HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/banshee-data/depthview/internal/config"
	"github.com/banshee-data/depthview/internal/db"
	"github.com/banshee-data/depthview/internal/depth/capture"
	"github.com/banshee-data/depthview/internal/depth/device"
	"github.com/banshee-data/depthview/internal/depth/imu"
	"github.com/banshee-data/depthview/internal/depth/monitor"
	"github.com/banshee-data/depthview/internal/depth/scene"
	"github.com/banshee-data/depthview/internal/depth/visualiser"
	"github.com/banshee-data/depthview/internal/depth/voxel"
	"github.com/banshee-data/depthview/internal/monitoring"
	"github.com/banshee-data/depthview/internal/serialmux"
	"github.com/banshee-data/depthview/internal/timeutil"
	"github.com/banshee-data/depthview/internal/version"
)

var (
	listen       = flag.String("listen", ":8090", "HTTP listen address")
	grpcListen   = flag.String("grpc-listen", "localhost:50061", "gRPC listen address for point cloud streaming (empty disables)")
	grpcClients  = flag.Int("grpc-max-clients", 8, "Maximum concurrent stream subscribers")
	configFile   = flag.String("config", config.DefaultConfigPath, "Path to the JSON configuration file")
	dbFile       = flag.String("db", "depthview.db", "Path to the SQLite database (empty disables recording)")
	label        = flag.String("label", "", "Label stored with the session")
	synthetic    = flag.Int("synthetic", 2, "Number of synthetic cameras to simulate")
	seed         = flag.Int64("seed", 1, "Random seed for synthetic accelerometer noise")
	imuPort      = flag.String("imu-port", "", "Serial port of an external accelerometer (empty uses the cameras' own)")
	imuBaud      = flag.Int("imu-baud", serialmux.DefaultBaudRate, "Baud rate of the external accelerometer")
	imuFraming   = flag.String("imu-framing", serialmux.DefaultFraming, "Data bits, parity and stop bits of the external accelerometer, e.g. 8N1")
	imuCamera    = flag.String("imu-camera", "", "Serial of the camera the external accelerometer is mounted on (empty applies it to all)")
	noVoxels     = flag.Bool("no-voxels", false, "Disable voxel accumulation")
	debug        = flag.Bool("debug", false, "Enable debug logging")
	printVersion = flag.Bool("version", false, "Print version and exit")
)

// loadConfig reads the configuration. A missing default file falls back to
// built-in defaults; an explicitly named file must exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err == nil {
		return cfg, nil
	}
	if path == config.DefaultConfigPath && errors.Is(err, os.ErrNotExist) {
		log.Printf("config %s not found, using defaults", path)
		return config.EmptyConfig(), nil
	}
	return nil, err
}

// runMigrate handles "depthview migrate ...". The schema is left as found
// until the command changes it.
func runMigrate(path string, args []string) error {
	if path == "" {
		return errors.New("migrate needs -db")
	}
	database, err := db.OpenDB(path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()
	return db.RunMigrate(database, args, os.Stdout)
}

func main() {
	flag.Parse()

	if *printVersion {
		fmt.Println("depthview", version.String())
		return
	}
	if flag.Arg(0) == "migrate" {
		if err := runMigrate(*dbFile, flag.Args()[1:]); err != nil {
			log.Fatal(err)
		}
		return
	}
	if *debug {
		capture.SetDebugLogger(os.Stderr)
		monitoring.SetDebugLogger(os.Stderr)
	}

	log.Printf("depthview %s starting", version.String())

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *synthetic <= 0 {
		log.Fatal("no camera driver available: run with -synthetic N")
	}
	driver := device.NewSyntheticDriver(*synthetic, *seed)

	rigs, err := openRigs(ctx, driver, cfg)
	if err != nil {
		log.Fatalf("failed to open cameras: %v", err)
	}
	defer closeRigs(rigs)

	var grid *voxel.Grid
	if !*noVoxels {
		dim := cfg.GetVoxelDim()
		if grid, err = voxel.NewGrid(dim[0], dim[1], dim[2]); err != nil {
			log.Fatalf("failed to create voxel grid: %v", err)
		}
	}

	clock := timeutil.RealClock{}
	sc, err := scene.New(sceneConfig(cfg), rigs, grid, clock)
	if err != nil {
		log.Fatalf("failed to create scene: %v", err)
	}

	pub := visualiser.NewPublisher(visualiser.Config{
		ListenAddr:   *grpcListen,
		MaxClients:   *grpcClients,
		ClientBuffer: 10,
	})
	if err := pub.Start(); err != nil {
		log.Fatalf("failed to start publisher: %v", err)
	}
	defer pub.Stop()
	sc.SetPublisher(pub)

	var database *db.DB
	var sessionID string
	if *dbFile != "" {
		database, err = db.NewDB(*dbFile)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer database.Close()

		now := clock.Now()
		for _, r := range rigs {
			info := r.Camera.Info()
			if err := database.UpsertDevice(db.Device{
				Serial:       info.Serial,
				Name:         info.Name,
				Firmware:     info.Firmware,
				PhysicalPort: info.PhysicalPort,
				ProductID:    info.ProductID,
				USBType:      info.USBType,
				ProductLine:  info.ProductLine,
			}, now); err != nil {
				log.Printf("failed to record device %s: %v", info.Serial, err)
			}
		}

		sess, err := database.StartSession(*label, cfg, now)
		if err != nil {
			log.Fatalf("failed to start session: %v", err)
		}
		sessionID = sess.ID
		sc.SetStore(database, sessionID)
		log.Printf("recording session %s to %s", sessionID, *dbFile)
		defer func() {
			if err := database.EndSession(sessionID, clock.Now()); err != nil {
				log.Printf("failed to end session: %v", err)
			}
		}()
	}

	var imuSerial serialmux.SerialMuxInterface
	if *imuPort != "" {
		m, err := serialmux.Open(*imuPort, serialmux.PortOptions{Name: "imu", BaudRate: *imuBaud, Framing: *imuFraming}, serialmux.OpenSerial)
		if err != nil {
			log.Fatalf("failed to open IMU port: %v", err)
		}
		imuSerial = m
	} else {
		imuSerial = serialmux.NewDisabledSerialMux()
	}
	defer imuSerial.Close()

	if err := imuSerial.Initialize(cfg.IMUInitCommands); err != nil {
		log.Fatalf("failed to initialize IMU: %v", err)
	}

	var wg sync.WaitGroup

	var accel *imu.SerialAccel
	if *imuPort != "" {
		accel = imu.NewSerialAccel(imuSerial, cfg.GetIMUMaxAge())
		matched := false
		for _, r := range rigs {
			if *imuCamera == "" || r.Serial() == *imuCamera {
				r.Camera.SetAccelSource(accel)
				matched = true
			}
		}
		if !matched {
			log.Fatalf("-imu-camera %s matches no open camera", *imuCamera)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := imuSerial.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("failed to monitor IMU port: %v", err)
			}
			log.Print("IMU monitor routine terminated")
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := accel.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("IMU reader error: %v", err)
			}
			samples, errs := accel.Counts()
			log.Printf("IMU reader terminated: %d samples, %d parse errors", samples, errs)
		}()
	}

	if err := sc.WaitFirstFrames(ctx); err != nil {
		log.Fatalf("cameras not ready: %v", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("scene loop error: %v", err)
		}
		log.Print("scene routine terminated")
	}()

	renderW, renderH := cfg.GetRenderSize()
	ws := monitor.NewWebServer(monitor.WebServerConfig{
		Address:    *listen,
		Scene:      sc,
		Publisher:  pub,
		Driver:     driver,
		DB:         database,
		Serial:     imuSerial,
		IMU:        accel,
		View:       cfg.GetView(),
		Width:      renderW,
		Height:     renderH,
		PointScale: cfg.GetPointScale(),
		SessionID:  sessionID,
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ws.Start(ctx); err != nil {
			log.Printf("HTTP server error: %v", err)
			stop()
		}
		log.Print("HTTP server routine terminated")
	}()

	wg.Wait()
	log.Print("depthview stopped")
}
