package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/loomworks/weft/config"
	"github.com/loomworks/weft/internal/cmdutil"
	"github.com/loomworks/weft/internal/version"
	"github.com/loomworks/weft/observability/prom"
	"github.com/loomworks/weft/realtime/ws"
	"github.com/loomworks/weft/server"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
)

type ready struct {
	Version    string `json:"version"`
	Listen     string `json:"listen"`
	WSURL      string `json:"ws_url,omitempty"`
	MetricsURL string `json:"metrics_url,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	logger := log.New(stderr, "", log.LstdFlags)

	fs := flag.NewFlagSet("weft-registry", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", cmdutil.EnvString("WEFT_REGISTRY_CONFIG", ""), "path to YAML config")
	listen := fs.String("listen", cmdutil.EnvString("WEFT_REGISTRY_LISTEN", ""), "fabric listen address")
	wsListen := fs.String("ws-listen", cmdutil.EnvString("WEFT_REGISTRY_WS_LISTEN", ""), "websocket listen address")
	metricsListen := fs.String("metrics-listen", cmdutil.EnvString("WEFT_REGISTRY_METRICS_LISTEN", ""), "prometheus listen address")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Fprintln(stdout, version.String(buildVersion, buildCommit))
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Printf("weft-registry: %v", err)
		return 1
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *wsListen != "" {
		cfg.WSListen = *wsListen
	}
	if *metricsListen != "" {
		cfg.MetricsListen = *metricsListen
	}

	srvCfg := server.RegistryServerConfig{
		Listen:        cfg.Listen,
		MaxFrameBytes: cfg.MaxFrameBytes,
		Multiplex:     cfg.Multiplex,
		Logger:        logger,
	}

	var metricsSrv *http.Server
	if cfg.MetricsListen != "" {
		reg := prom.NewRegistry()
		srvCfg.Observer = prom.NewFabricObserver(reg)
		srvCfg.Registry = prom.NewRegistryObserver(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler(reg))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		metricsSrv = &http.Server{Handler: mux}
	}

	srv := server.NewRegistryServer(srvCfg)
	if err := srv.Start(); err != nil {
		logger.Printf("weft-registry: listen: %v", err)
		return 1
	}
	defer srv.Close()

	info := ready{
		Version: version.String(buildVersion, buildCommit),
		Listen:  srv.Addr().String(),
	}

	if metricsSrv != nil {
		ln, err := net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			logger.Printf("weft-registry: metrics listen: %v", err)
			return 1
		}
		info.MetricsURL = "http://" + ln.Addr().String() + "/metrics"
		go func() {
			if err := metricsSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Printf("weft-registry: metrics: %v", err)
			}
		}()
		defer metricsSrv.Close()
	}

	if cfg.WSListen != "" {
		wsLn, err := net.Listen("tcp", cfg.WSListen)
		if err != nil {
			logger.Printf("weft-registry: ws listen: %v", err)
			return 1
		}
		wsSrv := &http.Server{Handler: ws.Handler(ws.UpgraderOptions{}, func(s *ws.Stream) {
			srv.ServeStream(s)
		})}
		info.WSURL = "ws://" + wsLn.Addr().String()
		go func() {
			if err := wsSrv.Serve(wsLn); err != nil && err != http.ErrServerClosed {
				logger.Printf("weft-registry: ws: %v", err)
			}
		}()
		defer wsSrv.Close()
	}

	line, _ := json.Marshal(info)
	fmt.Fprintln(stdout, string(line))
	logger.Printf("weft-registry: serving on %s", info.Listen)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Printf("weft-registry: shutting down")
	return 0
}
