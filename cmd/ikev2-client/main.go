// ikev2-client 从 IKE_ 环境变量读取配置，建立一个 IKEv2 会话并可选地把 SA 安装到内核
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iniwex5/ike-go/pkg/driver"
	"github.com/iniwex5/ike-go/pkg/eap"
	"github.com/iniwex5/ike-go/pkg/ike"
	"github.com/iniwex5/ike-go/pkg/ipsec"
	"github.com/iniwex5/ike-go/pkg/logger"
	"github.com/iniwex5/ike-go/pkg/sim"
	"github.com/iniwex5/ike-go/pkg/task"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := ike.LoadEnvConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger.Get()); err != nil {
		logger.Error("退出", logger.Err(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *ike.EnvConfig, log *zap.Logger) (err error) {
	params := ike.DefaultSessionParams()
	if err := cfg.Apply(params); err != nil {
		return err
	}
	if params.Auth.Method == ike.AuthEAP {
		card, err := newSoftSIM(cfg)
		if err != nil {
			return err
		}
		defer card.Close()
		identity := cfg.EAPIdentity
		if identity == "" {
			identity = eap.PermanentNAI(cfg.IMSI, cfg.MCC, cfg.MNC)
		}
		params.Auth.EAP = eap.NewAKAAuthenticator(identity, card, log)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := ike.NewMetrics(reg)

	var ns *driver.NetNS
	if cfg.NetNS != "" {
		if ns, err = driver.OpenNetNS(cfg.NetNS); err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, ns.Close()) }()
	}

	tr, err := ipsec.ListenUDP(cfg.Listen, log)
	if err != nil {
		return err
	}
	// 内核解封装 ESP-in-UDP 需要在 4500 套接字上开启 UDP_ENCAP
	tr.Encap = cfg.XFRM
	tr.Start()
	defer func() { err = multierr.Append(err, tr.Close()) }()

	c := newClient(log, cfg.Iface)
	if cfg.XFRM {
		c.xfrm = driver.NewXFRMInstaller(log, ns)
		defer func() { err = multierr.Append(err, c.xfrm.Close()) }()
	}
	if cfg.Iface != "" {
		c.txn = driver.NewNetTools(ns).Begin()
		defer func() { err = multierr.Append(err, c.txn.Rollback()) }()
	}

	sink := task.NewSerial(context.Background(), 32)
	defer sink.Close()

	mgr := ike.NewManager(ike.Deps{
		Transport: tr,
		Sink:      sink,
		Logger:    log,
		Metrics:   metrics,
	})
	// 会话不随信号立即终止，退出时由 CloseAll 删除 IKE SA
	sess, err := mgr.Open(context.Background(), params, c, c.childCB())
	if err != nil {
		return err
	}
	log.Info("会话启动",
		logger.String("session", sess.ID().String()),
		logger.String("remote", params.Remote.String()),
		logger.Stringer("auth", params.Auth.Method))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveMetrics(gctx, cfg.MetricsAddr, reg, log)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case ic := <-c.opened:
			if !ic.NATDetected || cfg.KeepaliveInterval <= 0 {
				return nil
			}
			tr.KeepAlive(gctx, ic.Remote, cfg.KeepaliveInterval)
			return nil
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-sess.Done():
			return c.closeErr()
		}
	})
	err = g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return multierr.Append(err, mgr.CloseAll(sctx))
}

func newSoftSIM(cfg *ike.EnvConfig) (*sim.SoftSIM, error) {
	if cfg.IMSI == "" || cfg.Ki == "" || cfg.OPc == "" {
		return nil, errors.New("EAP-AKA 需要 IKE_SIM_IMSI、IKE_SIM_KI 和 IKE_SIM_OPC")
	}
	ki, err := hex.DecodeString(cfg.Ki)
	if err != nil {
		return nil, fmt.Errorf("IKE_SIM_KI 非法: %w", err)
	}
	opc, err := hex.DecodeString(cfg.OPc)
	if err != nil {
		return nil, fmt.Errorf("IKE_SIM_OPC 非法: %w", err)
	}
	return sim.NewSoftSIM(cfg.IMSI, ki, opc, true)
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *zap.Logger) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.Info("指标服务监听", logger.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("指标服务: %w", err)
	}
	return nil
}
