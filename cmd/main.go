package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/haolipeng/morepork/pkg/api"
	"github.com/haolipeng/morepork/pkg/collector"
	"github.com/haolipeng/morepork/pkg/config"
	"github.com/haolipeng/morepork/pkg/controller"
	"github.com/haolipeng/morepork/pkg/events"
	"github.com/haolipeng/morepork/pkg/firewall"
	"github.com/haolipeng/morepork/pkg/ids"
	"github.com/haolipeng/morepork/pkg/metrics"
	"github.com/haolipeng/morepork/pkg/mirror"
	"github.com/haolipeng/morepork/pkg/ofconn"
	"github.com/haolipeng/morepork/pkg/pipeline"
	"github.com/haolipeng/morepork/pkg/poller"
	"github.com/haolipeng/morepork/pkg/tripwire"
)

func loadTripwire(path string, m *metrics.DetectionMetrics) *tripwire.Tripwire {
	rules, err := tripwire.LoadRulesFromFile(path)
	if err != nil {
		logrus.Errorf("Tripwire disabled, set TRIPWIRE_CONF to a rule file: %v", err)
		return tripwire.NewDisabledTripwire()
	}
	logrus.Infof("Loaded %d tripwire rules from %s", len(rules), path)
	return tripwire.NewTripwire(rules, m)
}

func newPublisher(cfg *config.Config) *events.Publisher {
	if !cfg.NATS.Enabled {
		return events.NewNopPublisher()
	}
	pub, err := events.Connect(cfg.NATS.URL, cfg.NATS.Subject)
	if err != nil {
		logrus.Warnf("Events disabled: %v", err)
		return events.NewNopPublisher()
	}
	return pub
}

func main() {
	viper.AutomaticEnv()
	viper.SetDefault("MOREPORK_CONFIG", "configs/config.yaml")
	viper.SetDefault("TRIPWIRE_CONF", "")

	cfg, err := config.LoadConfig(viper.GetString("MOREPORK_CONFIG"))
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	if err := InitLogger(cfg); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	logrus.Info("Starting morepork...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	server := ofconn.NewServer()

	// 防火墙 -> 镜像 -> 阈值
	pipe, err := pipeline.NewDefaultPipeline(server, &m.Response,
		cfg.Tables.Firewall, cfg.Tables.Mirror, cfg.Tables.Tripwire)
	if err != nil {
		logrus.Fatalf("Failed to build table pipeline: %v", err)
	}

	col := collector.NewCollector()
	tw := loadTripwire(viper.GetString("TRIPWIRE_CONF"), &m.Detection)
	mc := mirror.NewController(pipe, cfg.Mirror.Port, cfg.Mirror.Priority, &m.Response)
	fw := firewall.NewController(pipe, firewall.Config{
		Priority: cfg.Firewall.Priority,
		Expiry: firewall.ExpiryConfig{
			Enabled:  cfg.Firewall.Expiry.Enabled,
			MinBytes: cfg.Firewall.Expiry.MinBytes,
			MinAge:   cfg.Poll.Interval,
		},
	}, &m.Response)

	pub := newPublisher(cfg)
	defer pub.Close()
	if pub.Enabled() {
		mc.AddNotifier(pub)
		fw.AddNotifier(pub)
	}

	server.SetHandler(controller.New(pipe, col, tw, mc, fw, &m.Detection))
	if err := server.Listen(ctx, cfg.OpenFlow.Listen); err != nil {
		logrus.Fatalf("Failed to start openflow server: %v", err)
	}

	// IDS告警，防火墙先于事件发布处理
	filter, err := ids.NewFilter(cfg.IDS.Filter)
	if err != nil {
		logrus.Fatalf("Invalid ids filter: %v", err)
	}
	listener := ids.NewListener(filter, &m.Alert)
	listener.Subscribe("firewall", fw.HandleAlert)
	if pub.Enabled() {
		listener.Subscribe("events", pub.HandleAlert)
	}
	if err := listener.Listen(ctx, cfg.IDS.Address, cfg.IDS.Port); err != nil {
		logrus.Fatalf("Failed to start ids listener: %v", err)
	}

	sched := poller.NewScheduler(cfg.Poll.Interval, server, &m.Detection)
	if cfg.Firewall.Expiry.Enabled {
		sched.WithFlowStats(cfg.Tables.Firewall)
	}
	go sched.Run(ctx)

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API.Host, cfg.API.Port)
		apiServer.RegisterStateService(api.NewStateService(mc, fw, tw, col, m))
		go func() {
			if err := apiServer.Start(); err != nil {
				logrus.Errorf("API server stopped: %v", err)
			}
		}()
	}

	logrus.Info("Controller started successfully")

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logrus.Infof("Received signal %v, shutting down...", sig)

	// 优雅退出
	cancel()
	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logrus.Errorf("Error stopping api server: %v", err)
		}
		shutdownCancel()
	}
	if err := listener.Close(); err != nil {
		logrus.Errorf("Error stopping ids listener: %v", err)
	}
	if err := server.Close(); err != nil {
		logrus.Errorf("Error stopping openflow server: %v", err)
	}

	logrus.Info("Shutdown complete")
}
