package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/giongto35/cloud-session/pkg/api"
	"github.com/giongto35/cloud-session/pkg/config"
	"github.com/giongto35/cloud-session/pkg/input"
	"github.com/giongto35/cloud-session/pkg/logger"
	"github.com/giongto35/cloud-session/pkg/match"
	"github.com/giongto35/cloud-session/pkg/monitoring"
	"github.com/giongto35/cloud-session/pkg/network"
	"github.com/giongto35/cloud-session/pkg/network/websocket"
	hostos "github.com/giongto35/cloud-session/pkg/os"
	"github.com/giongto35/cloud-session/pkg/presence"
	"github.com/giongto35/cloud-session/pkg/registry"
	"github.com/giongto35/cloud-session/pkg/reliable"
	"github.com/giongto35/cloud-session/pkg/service"
	"github.com/giongto35/cloud-session/pkg/session"
	"github.com/giongto35/cloud-session/pkg/webrtc"
	stats "github.com/giongto35/cloud-session/pkg/webrtc/interceptor"
	"github.com/pion/interceptor"
	pion "github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"
)

var Version = "?"

func main() {
	conf, err := config.ParseFlags(flag.CommandLine, os.Args[1:])
	log := logger.New(conf.Log.Debug)
	if conf.Log.Console {
		log = logger.NewConsole(conf.Log.Debug, conf.Log.Tag, conf.Log.NoColor)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	log.Info().Msgf("version %s", Version)
	if log.GetLevel() < logger.InfoLevel {
		log.Debug().Msgf("config: %+v", conf)
	}

	lock, err := hostos.NewFileLock(conf.Host.LockFile)
	if err == nil {
		err = lock.TryLock()
	}
	if err != nil {
		log.Fatal().Err(err).Msg("another host is running")
	}
	defer func() { _ = lock.Unlock() }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-hostos.ExpectTermination()
		log.Info().Msg("Shutting down")
		reliable.Shutdown.Set()
		cancel()
	}()

	if err := run(ctx, conf, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("host")
	}
}

type host struct {
	conf    config.Config
	log     *logger.Logger
	metrics *monitoring.Metrics
	policy  reliable.Policy
	peers   *webrtc.ApiFactory
	tracks  *webrtc.Tracks
	video   *webrtc.Track
}

func run(ctx context.Context, conf config.Config, log *logger.Logger) error {
	reg := prometheus.NewRegistry()
	h := &host{
		conf:    conf,
		log:     log,
		metrics: monitoring.NewMetrics(reg),
		policy: reliable.Policy{
			Limit:        conf.Reliable.RetryLimit,
			BaseWait:     conf.Reliable.BaseWait,
			PerRetryWait: conf.Reliable.PerRetryWait,
			Shutdown:     &reliable.Shutdown,
		},
		tracks: webrtc.NewTracks(),
	}

	services := service.Group{}
	if conf.Monitoring.IsEnabled() {
		mon, err := monitoring.New(conf.Monitoring, reg, log)
		if err != nil {
			return err
		}
		services.Add(mon)
	}
	services.Start()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := services.Shutdown(sctx); err != nil {
			log.Error().Err(err).Msg("service shutdown errors")
		}
	}()

	peers, err := webrtc.NewApiFactory(conf.Webrtc, log,
		func(_ *pion.MediaEngine, i *interceptor.Registry, _ *pion.SettingEngine) {
			i.Add(stats.NewCounter(h.metrics.RTPSent))
		})
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}
	defer func() { _ = peers.Close() }()
	h.peers = peers

	if h.video, err = webrtc.NewTrack("video", "host", conf.Webrtc.Video); err != nil {
		return err
	}

	dial := reliable.NewCall("transport", conf.Transport.Address, h.connect,
		reliable.WithPolicy[string, *websocket.WS](h.policy),
		reliable.WithObserver[string, *websocket.WS](h.metrics),
		reliable.WithLogger[string, *websocket.WS](log),
	)
	for {
		res, err := dial.Invoke(ctx)
		if err != nil {
			return fmt.Errorf("transport: %w", err)
		}
		err = h.serve(ctx, res.Value)
		if !errors.Is(err, network.ErrClosed) {
			return err
		}
		log.Warn().Msg("Transport closed, reconnecting")
	}
}

func (h *host) connect(ctx context.Context, address string) (reliable.Result[*websocket.WS], error) {
	ctx, cancel := context.WithTimeout(ctx, h.conf.Transport.DialTimeout)
	defer cancel()
	ws, err := websocket.NewClient(ctx, address, h.log)
	if err != nil {
		return reliable.Result[*websocket.WS]{}, err
	}
	h.log.Info().Msgf("Connected to %v", address)
	return reliable.Ok(ws), nil
}

// serve runs the sessions of one transport connection.
func (h *host) serve(ctx context.Context, ws *websocket.WS) error {
	ctx, cancel := context.WithCancel(ctx)
	tasks := taskgroup.New(nil)
	defer func() {
		cancel()
		_ = ws.Close()
		_ = tasks.Wait()
	}()

	connected := func() bool {
		select {
		case <-ws.Done():
			return false
		default:
			return true
		}
	}

	queue := reliable.NewQueue()
	seats := presence.NewStore(
		presence.WithLogger(h.log),
		presence.WithPoll(h.conf.Session.QuorumPoll),
		presence.WithConflictHandler(h.metrics.PresenceConflict),
	)

	var r *registry.Registry
	mc := match.New(ws, queue,
		match.WithPolicy(h.policy),
		match.WithTimeout(h.conf.Reliable.CallTimeout),
		match.WithObserver(h.metrics),
		match.WithLogger(h.log),
		match.WithConnected(connected),
		match.WithGroup(tasks),
		match.WithContext(ctx),
		match.WithEndGame(func(n api.EndGameNotification) {
			h.log.Info().Str("room", n.RoomId).Msgf("Game over, %v", n.Reason)
			r.CloseAll("game over")
		}),
		match.WithPodMessage(func(n api.PodMessageNotification) {
			h.log.Info().Str("from", n.From).Msg(n.Message)
		}),
	)

	r = registry.New(ws, h.peers,
		registry.WithPresence(seats),
		registry.WithQueue(queue),
		registry.WithListener(h),
		registry.WithMetrics(h.metrics),
		registry.WithLogger(h.log),
		registry.WithInputLimit(h.conf.Session.MaxInputPerTick),
		registry.WithTracks(h.tracks),
		registry.WithInput(input.NewLog(h.log)),
		registry.WithSessionOptions(session.Options{
			AnswerTimeout:    h.conf.Session.AnswerTimeout,
			GatheringTimeout: h.conf.Session.GatheringTimeout,
			VanillaIce:       h.conf.Session.VanillaIce,
		}),
	)
	for _, id := range mc.Ids() {
		r.Handle(id, mc.Handle)
	}

	if h.conf.Host.Seats > 0 {
		tasks.Go(func() error { return h.matchWhenReady(ctx, seats, mc) })
	}

	return r.Run(ctx, h.conf.Session.TickPeriod)
}

// matchWhenReady waits for the quorum of the joined seats and asks for a match.
func (h *host) matchWhenReady(ctx context.Context, seats *presence.Store, mc *match.Client) error {
	if err := seats.WaitForCount(ctx, h.conf.Host.Seats, nil); err != nil {
		return nil
	}
	rs, err := mc.Match(ctx, api.MatchRequest{UserId: h.conf.Host.User, Mode: h.conf.Host.Mode, Seats: h.conf.Host.Seats})
	switch {
	case errors.Is(err, match.ErrDeferred):
		h.log.Info().Msg("Match request deferred until the transport is back")
	case err != nil:
		h.log.Error().Err(err).Msg("Match failed")
	default:
		h.log.Info().Str("room", rs.RoomId).Str("host", rs.Host).Msgf("Matched to seat %v", rs.Seat)
	}
	return nil
}

func (h *host) OnJoin(id api.Identity) { h.tracks.Publish(id.Seat, h.video) }
func (h *host) OnExit(id api.Identity) { h.tracks.Remove(id.Seat) }

func (h *host) OnStreaming(seat api.SeatIndex) {
	h.log.Info().Int(logger.SeatField, int(seat)).Msg("Seat is streaming")
}

func (h *host) OnSessionFailed(seat api.SeatIndex, reason string) {
	h.tracks.Remove(seat)
	h.log.Warn().Int(logger.SeatField, int(seat)).Msgf("Seat failed: %v", reason)
}
