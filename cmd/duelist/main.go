package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/mossy-p/blink-duel/config"
	"github.com/mossy-p/blink-duel/internal/delivery"
	"github.com/mossy-p/blink-duel/internal/peerlink"
	"github.com/mossy-p/blink-duel/internal/results"
	"github.com/mossy-p/blink-duel/internal/run"
	"github.com/mossy-p/blink-duel/internal/signaling"
)

func main() {
	config.LoadDotEnv()
	config.SetupLogging()
	cfg := config.LoadEngine()

	relayURL := flag.String("relay", cfg.RelayURL, "relay WebSocket URL")
	name := flag.String("name", "duelist", "display name shown to opponents")
	token := flag.String("token", "", "relay session token; logs in with --name when empty")
	blinkAfter := flag.Duration("blink-after", 0, "close the scripted eyes after this long (0 never blinks)")
	quitAfter := flag.Duration("quit-after", 0, "quit the run after this long (0 runs until it ends)")
	calibration := flag.String("calibration", cfg.CalibrationFile, "YAML blink calibration file")
	natsURL := flag.String("nats", cfg.NATSURL, "NATS URL for results; in-memory when empty")
	mediaDelay := flag.Duration("media-delay", 500*time.Millisecond, "simulated camera warm-up")
	flag.Parse()

	if err := duel(cfg, options{
		relayURL:    *relayURL,
		name:        *name,
		token:       *token,
		blinkAfter:  *blinkAfter,
		quitAfter:   *quitAfter,
		calibration: *calibration,
		natsURL:     *natsURL,
		mediaDelay:  *mediaDelay,
	}); err != nil {
		log.Error().Err(err).Msg("run failed")
		os.Exit(1)
	}
}

type options struct {
	relayURL    string
	name        string
	token       string
	blinkAfter  time.Duration
	quitAfter   time.Duration
	calibration string
	natsURL     string
	mediaDelay  time.Duration
}

func duel(cfg *config.EngineConfig, opts options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cal, err := config.LoadCalibration(opts.calibration)
	if err != nil {
		return err
	}

	if opts.token == "" {
		opts.token, err = login(ctx, opts.relayURL, opts.name)
		if err != nil {
			return err
		}
	}

	clock := clockwork.NewRealClock()

	publisher, err := newPublisher(opts.natsURL)
	if err != nil {
		return err
	}
	defer publisher.Close()

	relay := signaling.NewClient(signaling.Config{
		URL:               opts.relayURL,
		Token:             opts.token,
		RelayClientConfig: cfg.Relay,
	}, clock)

	media, err := peerlink.NewStaticMedia("duelist-" + opts.name)
	if err != nil {
		return fmt.Errorf("failed to create media track: %w", err)
	}
	clock.AfterFunc(opts.mediaDelay, media.MarkReady)

	links, err := peerlink.NewManager(peerlink.Config{
		ICEServers:         peerlink.ICEServersFromURLs(cfg.STUNURLs),
		MediaWait:          cfg.MediaWait,
		NegotiationTimeout: cfg.NegotiationTimeout,
	}, relay, media, clock)
	if err != nil {
		return fmt.Errorf("failed to create peer link manager: %w", err)
	}

	engine := run.NewEngine(run.Options{
		DisplayName: opts.name,
		Timing: run.Timing{
			Countdown:    cfg.Countdown,
			QueueCeiling: cfg.QueueCeiling,
		},
		Calibration: cal,
		Delivery: delivery.Config{
			IdentityGrace:     cfg.IdentityGrace,
			TelemetryInterval: cfg.TelemetryInterval,
		},
		TickInterval: cfg.TickInterval,
	}, relay, links, publisher, clock)

	frameCtx, stopFrames := context.WithCancel(ctx)
	defer stopFrames()
	go scriptedFrames{clock: clock, interval: 33 * time.Millisecond, blinkAfter: opts.blinkAfter}.run(frameCtx, engine)
	go logEvents(engine)

	if opts.quitAfter > 0 {
		clock.AfterFunc(opts.quitAfter, engine.Quit)
	}

	final, err := engine.Run(ctx)
	log.Info().
		Str("run_id", final.RunID).
		Str("end_reason", string(final.EndReason)).
		Int("opponents_defeated", final.OpponentsDefeated).
		Int64("personal_elapsed_ms", final.PersonalElapsedMs).
		Msg("final standing")
	return err
}

func newPublisher(natsURL string) (results.Publisher, error) {
	if natsURL == "" {
		return results.NewMemoryPublisher(), nil
	}
	pub, err := results.NewNATSPublisher(results.DefaultNATSConfig(natsURL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect results publisher: %w", err)
	}
	return pub, nil
}

func logEvents(engine *run.Engine) {
	for {
		select {
		case ev := <-engine.Events():
			logEvent(ev)
		case <-engine.Done():
			return
		}
	}
}

func logEvent(ev run.Event) {
	switch ev := ev.(type) {
	case run.StatusChanged:
		log.Info().Str("from", string(ev.From)).Str("to", string(ev.To)).Str("reason", string(ev.Reason)).Msg("status")
	case run.OpponentChanged:
		if ev.Current != nil {
			log.Info().Str("peer_id", ev.Current.PeerID).Str("name", ev.Current.DisplayName).Msg("opponent assigned")
		}
	case run.NextOpponentHinted:
		log.Info().Str("peer_id", ev.Opponent.PeerID).Msg("opponent found")
	case run.OpponentIdentified:
		log.Info().Str("peer_id", ev.PeerID).Str("name", ev.DisplayName).Msg("opponent identified")
	case run.MatchStarted:
		log.Info().Str("match_id", ev.MatchID).Str("opponent", ev.Opponent.PeerID).Msg("match started")
	case run.MatchEnded:
		log.Info().Str("match_id", ev.MatchID).Bool("won", ev.LocalWon).Str("reason", string(ev.Reason)).Int64("duration_ms", ev.DurationMs).Msg("match ended")
	case run.ConnectionStatusChanged:
		log.Info().Str("channel", ev.Channel).Bool("connected", ev.Connected).Int("attempt", ev.Attempt).Msg("connection")
	case run.Failure:
		log.Error().Err(ev.Err).Str("reason", string(ev.Reason)).Msg("run failure")
	case run.OpponentTelemetry:
		log.Debug().Str("eye_state", string(ev.Telemetry.EyeState)).Float64("confidence", ev.Telemetry.Confidence).Msg("opponent telemetry")
	default:
		log.Debug().Msgf("%T", ev)
	}
}

// login trades a display name for a relay session token
func login(ctx context.Context, relayURL, name string) (string, error) {
	endpoint, err := loginURL(relayURL)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]string{"displayName": name})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", run.ErrSignalingUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login failed with status %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to parse login response: %w", err)
	}
	return out.Token, nil
}

// loginURL derives the relay's login endpoint from its WebSocket URL
func loginURL(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported relay URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws/signal") + "/api/auth/login"
	u.RawQuery = ""
	return u.String(), nil
}
