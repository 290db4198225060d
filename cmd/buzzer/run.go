package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryandielhenn/buzzer/discovery"
	"github.com/ryandielhenn/buzzer/internal/config"
	"github.com/ryandielhenn/buzzer/internal/telemetry"
	"github.com/ryandielhenn/buzzer/pkg/game"
	"github.com/ryandielhenn/buzzer/pkg/indicator"
	"github.com/ryandielhenn/buzzer/pkg/node"
	"github.com/ryandielhenn/buzzer/pkg/transport"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one device until interrupted",
	Long: `Run starts a coordinator or participant. Press Enter (or POST /press on
the admin address) to push the device's button.`,
	RunE: runDevice,
}

func init() {
	runCmd.Flags().String("role", "", "coordinator or participant (overrides config)")
	runCmd.Flags().Int("id", -1, "participant id 0-3 (overrides config)")
	runCmd.Flags().String("http", "", "admin HTTP address (overrides config)")
	runCmd.Flags().Bool("no-stdin", false, "do not treat Enter on stdin as a button press")
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: could not load .env file: %v\n", err)
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if role, _ := cmd.Flags().GetString("role"); role != "" {
		cfg.Role = role
	}
	if id, _ := cmd.Flags().GetInt("id"); id >= 0 {
		cfg.ParticipantID = id
	}
	if addr, _ := cmd.Flags().GetString("http"); addr != "" {
		cfg.HTTP.Addr = addr
	}
	return cfg, cfg.Validate()
}

func openTransport(cfg config.Config, instance string, log *zap.Logger) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case "nats":
		t, err := transport.NewNATS(cfg.NATS(instance), log)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		t, err := transport.NewUDP(cfg.UDP(), log)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

func runDevice(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer log.Sync()
	telemetry.SetBuildInfo(Version, Commit)

	gcfg, err := cfg.Game()
	if err != nil {
		return err
	}
	instance := fmt.Sprintf("%s-%s", gcfg.Role, uuid.NewString()[:8])
	if gcfg.Role == game.RoleParticipant {
		instance = fmt.Sprintf("%s-%d-%s", gcfg.Role, gcfg.Participant, uuid.NewString()[:8])
	}
	log = log.With(zap.String("instance", instance))
	ind := indicator.NewLogger(log)

	tr, err := openTransport(cfg, instance, log)
	if err != nil {
		// a device without a link must not pretend to play
		ind.Show(indicator.ErrorPattern())
		log.Error("transport init failed, halting", zap.String("kind", cfg.Transport.Kind), zap.Error(err))
		return fmt.Errorf("transport init: %w", err)
	}
	defer tr.Close()

	clock := clockwork.NewRealClock()
	btn := &game.Button{}
	m, err := game.New(gcfg, tr,
		game.WithButton(btn),
		game.WithIndicator(ind),
		game.WithClock(clock),
		game.WithLogger(log),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if udp, ok := tr.(*transport.UDP); ok && len(cfg.Etcd.Endpoints) > 0 {
		cleanup, err := startDiscovery(ctx, cfg, instance, udp, log)
		if err != nil {
			// discovery only adds seed peers; broadcast still works without it
			log.Warn("discovery unavailable", zap.Error(err))
		} else {
			defer cleanup()
		}
	}

	if cfg.HTTP.Addr != "" {
		n := node.NewNode(m, btn, node.WithLogger(log), node.WithInstance(instance), node.WithLinkAddr(tr.LocalAddr().String()))
		srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: n.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("admin http listening", zap.String("addr", cfg.HTTP.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin http failed", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if noStdin, _ := cmd.Flags().GetBool("no-stdin"); !noStdin {
		go pressOnEnter(btn, log)
	}

	if d := cfg.Timing.SelfTest; d > 0 {
		color := indicator.Blue
		if gcfg.Role == game.RoleParticipant {
			color = indicator.ColorOf(gcfg.Participant)
		}
		if err := indicator.SelfTest(ctx, ind, clock, color, d); err != nil {
			return nil
		}
		btn.Clear()
	}

	log.Info("device running", zap.Stringer("role", gcfg.Role), zap.Stringer("link", tr.LocalAddr()), zap.Duration("tick", gcfg.Tick))
	if err := game.Run(ctx, clock, m, gcfg.Tick); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("device stopped")
	return nil
}

func pressOnEnter(btn *game.Button, log *zap.Logger) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		btn.Press()
	}
	log.Debug("stdin closed, keyboard button disabled")
}

func startDiscovery(ctx context.Context, cfg config.Config, instance string, udp *transport.UDP, log *zap.Logger) (func(), error) {
	cli, err := discovery.NewClient(cfg.Etcd.Endpoints)
	if err != nil {
		return nil, err
	}
	self := udp.LocalAddr().UDPAddr().String()
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	lease, stopKeepAlive, err := discovery.RegisterDevice(rctx, cli, cfg.Etcd.Prefix, instance, self, cfg.Etcd.TTL)
	if err != nil {
		cli.Close()
		return nil, err
	}
	log.Info("registered with etcd", zap.String("addr", self), zap.Int64("lease", int64(lease)))

	err = discovery.WatchDevices(ctx, cli, cfg.Etcd.Prefix, log, func(devices map[string]string) {
		seeds := append(append([]string(nil), cfg.Transport.Seeds...), discovery.Peers(devices, instance)...)
		if err := udp.SetSeeds(seeds); err != nil {
			log.Warn("bad seed from directory", zap.Error(err))
		}
		log.Debug("seed peers updated", zap.Strings("seeds", seeds))
	})
	if err != nil {
		stopKeepAlive()
		cli.Close()
		return nil, err
	}

	return func() {
		stopKeepAlive()
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = cli.Revoke(rctx, lease)
		cli.Close()
	}, nil
}
