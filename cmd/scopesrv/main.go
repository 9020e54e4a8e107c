// Command scopesrv is the device-owning worker process.  It builds one
// microscope from configuration, exposes a websocket endpoint for the
// coordinating process, and a debug HTTP surface for bench work.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/gorilla/websocket"
	"github.com/theckman/yacspin"
	"go.uber.org/zap"

	"github.com/marr-lab/goscope/acquire"
	"github.com/marr-lab/goscope/camera"
	"github.com/marr-lab/goscope/comm"
	"github.com/marr-lab/goscope/config"
	"github.com/marr-lab/goscope/httpapi"
	"github.com/marr-lab/goscope/imgrec"
	"github.com/marr-lab/goscope/scope"
)

var (
	cfgPath   = flag.String("config", "scope.yaml", "path to the hardware description")
	name      = flag.String("microscope", "", "microscope to serve; default is the only one configured")
	addr      = flag.String("addr", ":8000", "listen address")
	recordDir = flag.String("record", "", "root folder for automatic frame recording; empty disables")
	slots     = flag.Int("slots", 10, "frame buffer slot count")
)

var upgrader = websocket.Upgrader{
	// the coordinator may live on another host
	CheckOrigin: func(*http.Request) bool { return true },
}

func pickMicroscope(cfg config.Config) (string, config.Microscope, error) {
	if *name != "" {
		mc, ok := cfg.Microscopes[*name]
		if !ok {
			return "", config.Microscope{}, fmt.Errorf("no microscope %q in %s", *name, *cfgPath)
		}
		return *name, mc, nil
	}
	if len(cfg.Microscopes) != 1 {
		return "", config.Microscope{}, fmt.Errorf("%d microscopes configured, pick one with -microscope", len(cfg.Microscopes))
	}
	for n, mc := range cfg.Microscopes {
		return n, mc, nil
	}
	panic("unreachable")
}

func main() {
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[11],
		Suffix:          " scopesrv",
		SuffixAutoColon: true,
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
	})
	if err != nil {
		log.Fatal(err)
	}
	spinner.Start()
	fail := func(msg string, err error) {
		spinner.StopFailMessage(fmt.Sprintf("%s: %v", msg, err))
		spinner.StopFail()
		logger.Fatal(msg, zap.Error(err))
	}

	spinner.Message("loading configuration")
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fail("configuration", err)
	}
	scopeName, mc, err := pickMicroscope(cfg)
	if err != nil {
		fail("configuration", err)
	}

	spinner.Message("connecting devices")
	registry := comm.NewRegistry()
	m, err := scope.Build(scopeName, mc, scope.DefaultBuilders(), registry, logger)
	if err != nil {
		registry.Close()
		fail("device bring-up", err)
	}

	fx, fy := mc.Camera.XPixels, mc.Camera.YPixels
	if c, ok := m.Devices().Camera.(*camera.Synthetic); ok {
		fx, fy = c.FrameSize()
	}
	buf, err := acquire.NewFrameBuffer(fx, fy, *slots)
	if err != nil {
		fail("frame buffer", err)
	}

	var recorder *imgrec.Recorder
	if *recordDir != "" {
		recorder = imgrec.NewRecorder(*recordDir, scopeName+"-")
		recorder.Incr()
	}

	spinner.Message("binding routes")
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Route("/debug", func(r chi.Router) {
		httpapi.BindStage(r, m.Devices().Stage)
		httpapi.BindLasers(r, m.Devices().Lasers)
		if recorder != nil {
			httpapi.BindRecorder(r, recorder)
		}
	})
	router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		side := acquire.WorkerOverWebsocket(conn)
		worker, err := acquire.NewWorker(m, side, buf, logger)
		if err != nil {
			logger.Error("worker setup failed", zap.Error(err))
			side.Close()
			return
		}
		if recorder != nil {
			worker.OnFrame = func(slot int, data []uint16) error {
				x, y := buf.FrameSize()
				return recorder.SaveFrame(data, x, y)
			}
		}
		logger.Info("coordinator connected", zap.String("remote", r.RemoteAddr))
		if err := worker.Run(); err != nil {
			logger.Warn("worker exited", zap.Error(err))
		}
		logger.Info("coordinator disconnected", zap.String("remote", r.RemoteAddr))
	})

	srv := &http.Server{Addr: *addr, Handler: router}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info("shutting down")
		srv.Close()
	}()

	spinner.StopMessage(fmt.Sprintf("serving %s on %s", scopeName, *addr))
	spinner.Stop()
	logger.Info("listening", zap.String("addr", *addr), zap.String("microscope", scopeName))

	err = srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		logger.Error("server", zap.Error(err))
	}

	// teardown order: acquisition state, then shared connection handles
	if err := m.EndAcquisition(); err != nil {
		logger.Warn("end acquisition", zap.Error(err))
	}
	if err := m.Close(); err != nil {
		logger.Warn("device close", zap.Error(err))
	}
	if err := registry.Close(); err != nil {
		logger.Warn("registry close", zap.Error(err))
	}
}
