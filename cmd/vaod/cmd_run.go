package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"tailscale.com/tsweb"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/httputil"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/logging"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/monitoring"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/observability"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/serialmux"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/timeutil"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l1frames"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l4dynamics"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l6publish"
)

var runFlags struct {
	port         string
	baud         int
	parity       string
	cameraConfig string
	cameraID     string
	catalog      string
	replayDir    string
	replayPeriod time.Duration
	synthetic    bool
	listen       string
	grpcListen   string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the estimator against the camera and the flight computer link",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runLive(ctx)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.port, "port", "", "Flight computer serial device; the bus is disabled when empty")
	f.IntVar(&runFlags.baud, "baud", serialmux.DefaultBaudRate, "Serial baud rate")
	f.StringVar(&runFlags.parity, "parity", "N", "Serial parity: N, E or O")
	f.StringVar(&runFlags.cameraConfig, "camera-config", "config/camera.yaml", "Camera YAML imported when the database has no calibration")
	f.StringVar(&runFlags.cameraID, "camera", "", "Camera to capture from (default: first calibrated camera)")
	f.StringVar(&runFlags.catalog, "catalog", "config/stars.csv", "Star catalog CSV")
	f.StringVar(&runFlags.replayDir, "replay-dir", "", "Read frames from a directory of images instead of the camera")
	f.DurationVar(&runFlags.replayPeriod, "replay-period", 100*time.Millisecond, "Frame spacing for --replay-dir")
	f.BoolVar(&runFlags.synthetic, "synthetic", false, "Render frames in real time from a simulated orbit (see 'vaod simulate' flags for its defaults)")
	f.StringVar(&runFlags.listen, "listen", "localhost:8080", "Admin HTTP listen address; empty disables")
	f.StringVar(&runFlags.grpcListen, "grpc-listen", "", "State service gRPC listen address; empty disables")
}

func runLive(ctx context.Context) error {
	log := newLogger()
	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	var opts stackOptions
	if runFlags.synthetic {
		tuning, err := loadTuning()
		if err != nil {
			return err
		}
		simu, err := newSimulation(tuning)
		if err != nil {
			return err
		}
		opts = simu.stackOptions(tuning, 0, true)
	} else {
		driver, source, cameraID, closeDriver, err := openLiveDriver()
		if err != nil {
			return err
		}
		defer closeDriver()
		opts = stackOptions{
			source:       source,
			driver:       driver,
			cameraID:     cameraID,
			catalogPath:  runFlags.catalog,
			cameraConfig: runFlags.cameraConfig,
			epoch:        l4dynamics.Epoch{Monotonic: 0, UTC: time.Now().UTC()},
		}
	}

	st, err := buildStack(ctx, log, opts)
	if err != nil {
		return err
	}
	defer st.Close()

	var link serialmux.LinkInterface
	if runFlags.port != "" {
		mode := serialmux.DefaultSerialPortMode()
		mode.BaudRate = runFlags.baud
		if mode.Parity, err = serialmux.ParseParity(runFlags.parity); err != nil {
			return err
		}
		serial, err := serialmux.NewRealLink(runFlags.port, mode, serialmux.DefaultLinkConfig())
		if err != nil {
			return fmt.Errorf("open flight computer link: %w", err)
		}
		link = serial
	} else {
		monitoring.Opsf("[vaod] no --port given, flight computer link disabled")
		link = serialmux.NewDisabledLink()
	}
	defer link.Close()
	st.bus = serialmux.NewHandler(st.sup, st.pub, link, st.calibrationDecoder(ctx))

	extra := []func(context.Context) error{
		func(ctx context.Context) error { return ignoreCanceled(link.Monitor(ctx)) },
		func(ctx context.Context) error {
			id, in := link.Subscribe()
			defer link.Unsubscribe(id)
			return ignoreCanceled(st.bus.Serve(ctx, in))
		},
		func(ctx context.Context) error {
			return ignoreCanceled(st.bus.Telemetry(ctx, st.tuning.GetTelemetryInterval(), timeutil.RealClock{}))
		},
	}
	if runFlags.listen != "" {
		mux := http.NewServeMux()
		link.AttachAdminRoutes(mux)
		if err := st.database.AttachAdminRoutes(mux); err != nil {
			return err
		}
		observability.NewDashboard(st.ring).AttachAdminRoutes(mux)
		mux.Handle("/metrics", st.metrics.Handler())
		tsweb.Debugger(mux).HandleSilentFunc("vaod-status", func(w http.ResponseWriter, r *http.Request) {
			httputil.WriteJSONOK(w, st.sup.Status())
		})
		extra = append(extra, serveHTTP(runFlags.listen, mux))
	}
	if runFlags.grpcListen != "" {
		gs := l6publish.NewGRPCServer(
			grpc.StatsHandler(otelgrpc.NewServerHandler()),
			grpc.ChainUnaryInterceptor(st.metrics.UnaryServerInterceptor()),
			grpc.ChainStreamInterceptor(st.metrics.StreamServerInterceptor()),
		)
		l6publish.Register(gs, l6publish.NewStateServer(st.pub))
		extra = append(extra, serveGRPC(runFlags.grpcListen, gs))
	}

	log.Info(ctx, "vaod running", logging.String("port", runFlags.port), logging.String("listen", runFlags.listen))
	return st.runPipeline(ctx, extra...)
}

// openLiveDriver picks the frame driver: a replay directory when given,
// otherwise the calibrated camera device.
func openLiveDriver() (d l1frames.Driver, source, cameraID string, closeFn func(), err error) {
	if runFlags.replayDir != "" {
		d, err := l1frames.NewReplayDriver(runFlags.replayDir, l1frames.ReplayOptions{
			CameraID: runFlags.cameraID,
			Period:   runFlags.replayPeriod,
		})
		if err != nil {
			return nil, "", "", nil, err
		}
		return d, "replay:" + runFlags.replayDir, runFlags.cameraID, func() {}, nil
	}
	cfg, err := l1frames.LoadCameraConfig(runFlags.cameraConfig)
	if err != nil {
		return nil, "", "", nil, err
	}
	spec := cfg.Cameras[0]
	if runFlags.cameraID != "" {
		found := false
		for _, c := range cfg.Cameras {
			if c.ID == runFlags.cameraID {
				spec, found = c, true
				break
			}
		}
		if !found {
			return nil, "", "", nil, fmt.Errorf("camera %q not in %s", runFlags.cameraID, runFlags.cameraConfig)
		}
	}
	cam, err := l1frames.OpenCamera(spec)
	if err != nil {
		return nil, "", "", nil, err
	}
	return cam, "live", spec.ID, func() { cam.Close() }, nil
}

func serveHTTP(addr string, h http.Handler) func(context.Context) error {
	return func(ctx context.Context) error {
		srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		monitoring.Opsf("[vaod] admin HTTP on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin HTTP: %w", err)
		}
		return nil
	}
}

func serveGRPC(addr string, gs *grpc.Server) func(context.Context) error {
	return func(ctx context.Context) error {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("state service: %w", err)
		}
		go func() {
			<-ctx.Done()
			gs.GracefulStop()
		}()
		monitoring.Opsf("[vaod] state service on %s", lis.Addr())
		return gs.Serve(lis)
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
