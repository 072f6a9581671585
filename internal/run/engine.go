package run

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/blink-duel/config"
	"github.com/mossy-p/blink-duel/internal/delivery"
	"github.com/mossy-p/blink-duel/internal/models"
	"github.com/mossy-p/blink-duel/internal/outcome"
	"github.com/mossy-p/blink-duel/internal/peerlink"
	"github.com/mossy-p/blink-duel/internal/results"
	"github.com/mossy-p/blink-duel/internal/signaling"
)

// Relay is the engine's view of the signaling relay client
type Relay interface {
	Connect(ctx context.Context) (string, error)
	JoinQueue(displayName string) error
	LeaveQueue() error
	SendCritical(to string, payload []byte) error
	Drain(ctx context.Context) error
	Events() <-chan signaling.Event
	Close() error
}

// Links is the engine's view of the peer link manager
type Links interface {
	Open(ctx context.Context, matchID, selfID, opponent string, role models.Role) *peerlink.Link
	HandleEnvelope(env models.SignalEnvelope)
	Send(data []byte) error
	Events() <-chan peerlink.Event
	Close()
	Release()
}

var (
	_ Relay = (*signaling.Client)(nil)
	_ Links = (*peerlink.Manager)(nil)
)

type Options struct {
	DisplayName  string
	Timing       Timing
	Calibration  config.Calibration
	Delivery     delivery.Config
	TickInterval time.Duration
}

type inboxMsg interface{ isInboxMsg() }

type frameMsg struct{ frame models.FaceFrame }

type quitMsg struct{}

type stateMsg struct{ reply chan State }

func (frameMsg) isInboxMsg() {}
func (quitMsg) isInboxMsg()  {}
func (stateMsg) isInboxMsg() {}

// Engine drives one continuous run. All run state is owned by the goroutine in
// Run; every other method only posts to its inbox.
type Engine struct {
	opts      Options
	relay     Relay
	links     Links
	publisher results.Publisher
	clock     clockwork.Clock
	logger    zerolog.Logger

	machine    *Machine
	reconciler *outcome.Reconciler
	detector   *outcome.Detector
	delivery   *delivery.Layer

	inbox chan inboxMsg
	ui    chan Event
	done  chan struct{}

	ctx       context.Context
	runID     string
	selfID    string
	earlyLoss string
	ended     bool
	final     State
}

func NewEngine(opts Options, relay Relay, links Links, publisher results.Publisher, clock clockwork.Clock) *Engine {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 100 * time.Millisecond
	}
	if publisher == nil {
		publisher = results.NewMemoryPublisher()
	}
	return &Engine{
		opts:       opts,
		relay:      relay,
		links:      links,
		publisher:  publisher,
		clock:      clock,
		logger:     log.With().Str("component", "engine").Logger(),
		machine:    NewMachine(opts.Timing),
		reconciler: outcome.NewReconciler(),
		detector:   outcome.NewDetector(opts.Calibration),
		delivery:   delivery.New(opts.Delivery, relay, clock),
		inbox:      make(chan inboxMsg, 64),
		ui:         make(chan Event, 256),
		done:       make(chan struct{}),
	}
}

// Events is the UI stream. Events are dropped, not queued, when the UI falls behind.
func (e *Engine) Events() <-chan Event {
	return e.ui
}

// ObserveFrame feeds one face-tracker frame. Frames are dropped while the engine is busy.
func (e *Engine) ObserveFrame(f models.FaceFrame) {
	select {
	case e.inbox <- frameMsg{frame: f}:
	case <-e.done:
	default:
		e.logger.Debug().Msg("inbox full, dropping frame")
	}
}

// Quit ends the run on player request
func (e *Engine) Quit() {
	select {
	case e.inbox <- quitMsg{}:
	case <-e.done:
	}
}

// State returns the read model. After the run ends it returns the final state.
func (e *Engine) State(ctx context.Context) (State, error) {
	reply := make(chan State, 1)
	select {
	case e.inbox <- stateMsg{reply: reply}:
	case <-e.done:
		return e.final, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	}

	select {
	case s := <-reply:
		return s, nil
	case <-e.done:
		return e.final, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// Done is closed when Run returns
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Run starts a run and drives it until it ends. The returned error is non-nil
// only for failures the player must acknowledge.
func (e *Engine) Run(ctx context.Context) (State, error) {
	e.ctx = ctx
	e.runID = uuid.NewString()
	e.logger = e.logger.With().Str("run_id", e.runID).Logger()
	e.logger.Info().Str("display_name", e.opts.DisplayName).Msg("starting run")

	selfID, connectErr := e.relay.Connect(ctx)
	if connectErr == nil {
		e.selfID = selfID
	}

	now := e.clock.Now()
	events, err := e.machine.Start(e.runID, now)
	if err != nil {
		return e.finish(err)
	}
	e.apply(events)

	if connectErr != nil {
		e.logger.Error().Err(connectErr).Msg("relay unreachable")
		e.fail(ReasonSignalingUnavailable, connectErr, now)
		return e.finish(nil)
	}

	ticker := e.clock.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	for !e.ended {
		select {
		case <-ctx.Done():
			e.quit(e.clock.Now())

		case msg := <-e.inbox:
			now := e.clock.Now()
			e.advance(now)
			e.handleInbox(msg, now)

		case ev := <-e.relay.Events():
			now := e.clock.Now()
			e.advance(now)
			e.handleRelay(ev, now)

		case ev := <-e.links.Events():
			now := e.clock.Now()
			e.advance(now)
			e.handleLink(ev, now)

		case <-ticker.Chan():
			e.advance(e.clock.Now())
		}
	}
	return e.finish(nil)
}

func (e *Engine) finish(err error) (State, error) {
	// media is held for the whole run and only given back here
	e.links.Release()

	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if derr := e.relay.Drain(drainCtx); derr != nil {
		e.logger.Warn().Err(derr).Msg("critical messages still pending at shutdown")
	}
	if cerr := e.relay.Close(); cerr != nil {
		e.logger.Warn().Err(cerr).Msg("failed to close relay client")
	}

	e.final = e.machine.Snapshot(e.clock.Now())
	close(e.done)

	if err != nil {
		return e.final, err
	}
	if e.final.EndReason.UserVisible() {
		return e.final, e.final.EndReason.Err()
	}
	return e.final, nil
}

// advance runs every time-driven step before an input is handled
func (e *Engine) advance(now time.Time) {
	e.apply(e.machine.Advance(now))
	e.applyEarlyLoss(now)
	if !e.ended {
		e.delivery.Tick(now)
	}
}

func (e *Engine) handleInbox(msg inboxMsg, now time.Time) {
	switch m := msg.(type) {
	case frameMsg:
		e.observe(m.frame, now)
	case quitMsg:
		e.quit(now)
	case stateMsg:
		m.reply <- e.machine.Snapshot(now)
	}
}

func (e *Engine) quit(now time.Time) {
	events, err := e.machine.Quit(now)
	if err != nil {
		return
	}
	e.apply(events)
}

func (e *Engine) fail(reason Reason, cause error, now time.Time) {
	events, err := e.machine.Fail(reason, now)
	if err != nil {
		return
	}
	e.notify(Failure{Reason: reason, Err: cause})
	e.apply(events)
}

func (e *Engine) observe(f models.FaceFrame, now time.Time) {
	if e.machine.Status() != StatusActive {
		return
	}

	eyes := models.EyesOpen
	if e.detector.EyesClosed(f) {
		eyes = models.EyesClosed
	}
	confidence := 1.0
	if f.LightingQuality == models.LightingPoor {
		confidence = 0.5
	}
	e.delivery.Send(models.Telemetry{
		EyeState:    eyes,
		FaceVisible: f.FaceCentered,
		Confidence:  confidence,
		TS:          now.UnixMilli(),
	})

	if e.detector.Observe(f, now) {
		e.offer(outcome.LocalBlink, now)
	}
}

// offer hands a terminal signal to the reconciler and applies the result.
// A local blink also tells the opponent over the critical path.
func (e *Engine) offer(signal outcome.Signal, now time.Time) {
	res, ok := e.reconciler.Offer(e.machine.MatchID(), signal, now)
	if !ok {
		return
	}
	e.logger.Info().Str("match_id", res.MatchID).Str("signal", signal.String()).Bool("local_won", res.LocalWon).Msg("match resolved")

	if signal == outcome.LocalBlink {
		if err := e.delivery.Send(models.Loss{Reason: "blink"}); err != nil {
			e.logger.Warn().Err(err).Msg("failed to send loss")
		}
	}

	events, err := e.machine.Resolve(res, now)
	if err != nil {
		e.logger.Warn().Err(err).Msg("result rejected")
		return
	}
	e.apply(events)
}

// applyEarlyLoss resolves a LOSS that arrived while the local countdown was still running
func (e *Engine) applyEarlyLoss(now time.Time) {
	if e.earlyLoss == "" {
		return
	}
	if e.earlyLoss != e.machine.MatchID() {
		e.earlyLoss = ""
		return
	}
	switch e.machine.Status() {
	case StatusActive:
		e.earlyLoss = ""
		e.offer(outcome.RemoteLoss, now)
	case StatusCountdown:
	default:
		e.earlyLoss = ""
	}
}

func (e *Engine) handleRelay(ev signaling.Event, now time.Time) {
	switch ev := ev.(type) {
	case signaling.PeerAssigned:
		events, err := e.machine.Assign(ev.Assignment, now)
		if err != nil {
			e.logger.Debug().Err(err).Str("match_id", ev.Assignment.MatchID).Msg("ignoring assignment")
			return
		}
		e.apply(events)

	case signaling.OpponentHint:
		e.apply(e.machine.Hint(ev.Opponent))

	case signaling.EnvelopeReceived:
		if e.stale(ev.MatchID) {
			return
		}
		e.links.HandleEnvelope(ev.Envelope)

	case signaling.CriticalReceived:
		in, ok, err := e.delivery.ReceiveRelay(ev.From, ev.Seq, ev.Payload)
		if err != nil {
			e.logger.Warn().Err(err).Str("from", ev.From).Msg("bad critical message")
			return
		}
		if ok {
			e.handleMessage(in, now)
		}

	case signaling.OpponentDisconnected:
		e.opponentGone(ev, now)

	case signaling.ConnectionStatus:
		e.notify(ConnectionStatusChanged{Channel: string(delivery.PathRelay), Connected: ev.Connected, Attempt: ev.Attempt})
		if !ev.Connected || ev.PeerID == "" {
			return
		}
		reconnected := e.selfID != "" && ev.PeerID != e.selfID
		e.selfID = ev.PeerID
		if reconnected {
			e.logger.Info().Str("peer_id", ev.PeerID).Msg("relay session replaced")
			if s := e.machine.Status(); s == StatusSearching || s == StatusTransitioning {
				e.joinQueue()
			}
		}

	case signaling.RelayUnavailable:
		e.fail(ReasonSignalingUnavailable, ev.Err, now)
	}
}

func (e *Engine) opponentGone(ev signaling.OpponentDisconnected, now time.Time) {
	cur := e.machine.CurrentOpponent()
	if cur == nil || (ev.PeerID != "" && ev.PeerID != cur.PeerID) {
		return
	}
	e.logger.Info().Str("opponent", cur.PeerID).Str("reason", ev.Reason).Msg("opponent disconnected")

	switch e.machine.Status() {
	case StatusActive:
		// Our own relay socket dropped, which says nothing about the opponent.
		// The match is aborted without a win so a local disconnect never
		// defeats a connected opponent.
		if ev.Reason == signaling.ReasonRelayLost {
			e.abort(ReasonOpponentDisconnected, now)
			return
		}
		e.offer(outcome.OpponentDisconnect, now)
	case StatusCountdown:
		e.abort(ReasonOpponentDisconnected, now)
	}
}

func (e *Engine) abort(reason Reason, now time.Time) {
	events, err := e.machine.AbortMatch(reason, now)
	if err != nil {
		return
	}
	e.apply(events)
}

func (e *Engine) handleMessage(in delivery.Incoming, now time.Time) {
	switch m := in.Message.(type) {
	case models.Loss:
		switch e.machine.Status() {
		case StatusActive:
			e.offer(outcome.RemoteLoss, now)
		case StatusCountdown:
			e.earlyLoss = e.machine.MatchID()
		}
	case models.Ready:
		if e.machine.OpponentIsReady(in.From, m.IsReady) {
			e.notify(OpponentReady{PeerID: in.From, Ready: m.IsReady})
		}
	case models.Identity:
		if e.machine.IdentifyOpponent(in.From, m.DisplayName) {
			e.notify(OpponentIdentified{PeerID: in.From, DisplayName: m.DisplayName})
		}
	case models.Telemetry:
		if e.machine.ObserveOpponent(in.From, m) {
			e.notify(OpponentTelemetry{PeerID: in.From, Telemetry: m})
		}
	}
}

func (e *Engine) handleLink(ev peerlink.Event, now time.Time) {
	switch ev := ev.(type) {
	case peerlink.StateChanged:
		if e.stale(ev.MatchID) {
			return
		}
		switch ev.State {
		case peerlink.StateConnected:
			e.delivery.AttachLink(e.links)
			e.notify(ConnectionStatusChanged{Channel: string(delivery.PathPeer), Connected: true})
		case peerlink.StateClosed:
			e.delivery.DetachLink()
			e.notify(ConnectionStatusChanged{Channel: string(delivery.PathPeer), Connected: false})
		}

	case peerlink.DataReceived:
		if e.stale(ev.MatchID) {
			return
		}
		in, ok, err := e.delivery.ReceivePeer(ev.PeerID, ev.Data)
		if err != nil {
			e.logger.Debug().Err(err).Msg("bad peer message")
			return
		}
		if ok {
			e.handleMessage(in, now)
		}

	case peerlink.StreamAttached:
		if e.stale(ev.MatchID) {
			return
		}
		e.notify(OpponentStreamAttached{PeerID: ev.PeerID})

	case peerlink.NegotiationFailed:
		if e.stale(ev.MatchID) {
			return
		}
		if errors.Is(ev.Err, peerlink.ErrResourceUnavailable) {
			e.fail(ReasonResourceUnavailable, ev.Err, now)
			return
		}
		e.abort(ReasonNegotiationTimeout, now)
	}
}

// stale reports whether an async result belongs to a match that is no longer current
func (e *Engine) stale(matchID string) bool {
	if e.machine.CurrentOpponent() == nil {
		return true
	}
	return matchID != "" && matchID != e.machine.MatchID()
}

// apply performs the side effects of machine events and forwards them to the UI
func (e *Engine) apply(events []Event) {
	for _, ev := range events {
		switch ev := ev.(type) {
		case StatusChanged:
			e.logger.Info().
				Str("from", string(ev.From)).
				Str("to", string(ev.To)).
				Str("reason", string(ev.Reason)).
				Str("match_id", e.machine.MatchID()).
				Msg("run status changed")
			if ev.To == StatusActive {
				e.reconciler.Arm(e.machine.MatchID())
				e.detector.Reset()
			}

		case OpponentChanged:
			if ev.Current != nil {
				e.bind(*ev.Current)
			} else {
				e.unbind()
			}

		case MatchEnded:
			e.reconciler.Disarm()
			e.publishMatch(ev)

		case RunEnded:
			e.ended = true
			e.publishRun(ev)

		case RequestQueueJoin:
			e.joinQueue()
			continue

		case RequestQueueLeave:
			if e.selfID != "" {
				if err := e.relay.LeaveQueue(); err != nil {
					e.logger.Debug().Err(err).Msg("leave queue failed")
				}
			}
			continue
		}
		e.notify(ev)
	}
}

func (e *Engine) joinQueue() {
	if e.selfID == "" {
		return
	}
	if err := e.relay.JoinQueue(e.opts.DisplayName); err != nil {
		e.logger.Warn().Err(err).Msg("join queue failed, waiting for relay")
	}
}

// bind points delivery and the peer link at a newly assigned opponent
func (e *Engine) bind(opp models.Session) {
	matchID := e.machine.MatchID()
	e.delivery.Bind(opp.PeerID)
	e.earlyLoss = ""
	e.links.Open(e.ctx, matchID, e.selfID, opp.PeerID, e.machine.Role())

	if err := e.delivery.Send(models.Ready{IsReady: true}); err != nil {
		e.logger.Warn().Err(err).Msg("failed to send ready")
	}
	if err := e.delivery.Send(models.Identity{DisplayName: e.opts.DisplayName}); err != nil {
		e.logger.Warn().Err(err).Msg("failed to send identity")
	}
}

func (e *Engine) unbind() {
	e.links.Close()
	e.delivery.Unbind()
	e.reconciler.Disarm()
	e.earlyLoss = ""
}

func (e *Engine) publishMatch(ev MatchEnded) {
	if ev.Reason != ReasonOpponentDefeated && ev.Reason != ReasonLost {
		return
	}
	now := e.clock.Now()
	st := e.machine.Snapshot(now)
	msg := results.MatchRecorded{
		RunID:             e.runID,
		MatchID:           ev.MatchID,
		OpponentPeerID:    ev.Opponent.PeerID,
		OpponentName:      ev.Opponent.DisplayName,
		LocalWon:          ev.LocalWon,
		Signal:            ev.Signal.String(),
		MatchDurationMs:   ev.DurationMs,
		PersonalElapsedMs: st.PersonalElapsedMs,
		OpponentsDefeated: st.OpponentsDefeated,
		At:                now,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.publisher.PublishMatch(ctx, msg); err != nil {
		e.logger.Warn().Err(err).Str("match_id", ev.MatchID).Msg("failed to publish match result")
	}
}

func (e *Engine) publishRun(ev RunEnded) {
	records := make([]results.Record, 0, len(ev.State.MatchHistory))
	for _, r := range ev.State.MatchHistory {
		records = append(records, results.Record{
			MatchID:              r.MatchID,
			OpponentPeerID:       r.Opponent.PeerID,
			OpponentName:         r.Opponent.DisplayName,
			DefeatedAtPersonalMs: r.DefeatedAtPersonalMs,
			MatchDurationMs:      r.MatchDurationMs,
		})
	}
	summary := results.NewRunSummary(e.runID, string(ev.Reason), ev.State.PersonalElapsedMs, records, e.clock.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.publisher.PublishRun(ctx, summary); err != nil {
		e.logger.Warn().Err(err).Msg("failed to publish run summary")
	}
	e.logger.Info().
		Str("reason", string(ev.Reason)).
		Int("opponents_defeated", summary.OpponentsDefeated).
		Int64("personal_elapsed_ms", summary.PersonalElapsedMs).
		Msg("run ended")
}

func (e *Engine) notify(ev Event) {
	select {
	case e.ui <- ev:
	default:
		if _, ok := ev.(OpponentTelemetry); !ok {
			e.logger.Warn().Msgf("ui backlog, dropping %T", ev)
		}
	}
}
