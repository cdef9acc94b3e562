// Package server implements the single-threaded Server Pump and
// request-handler dispatch of spec.md §4.5 and §4.7: the orchestrator
// that wires stepid, stepstore, wire, participant, transport, game,
// composer, blobstream and auth into the externally-driven update(now)
// loop described there.
package server

import (
	"fmt"
	"time"

	"github.com/opera-aberglund/nimble-server-lib/internal/auth"
	"github.com/opera-aberglund/nimble-server-lib/internal/blobstream"
	"github.com/opera-aberglund/nimble-server-lib/internal/composer"
	"github.com/opera-aberglund/nimble-server-lib/internal/game"
	"github.com/opera-aberglund/nimble-server-lib/internal/logging"
	"github.com/opera-aberglund/nimble-server-lib/internal/nberr"
	"github.com/opera-aberglund/nimble-server-lib/internal/participant"
	"github.com/opera-aberglund/nimble-server-lib/internal/stepid"
	"github.com/opera-aberglund/nimble-server-lib/internal/transport"
	"github.com/opera-aberglund/nimble-server-lib/internal/wire"
)

// maxDatagramsPerUpdate bounds how many inbound datagrams a single
// Update(now) call drains, per spec.md §4.7's pump budget.
const maxDatagramsPerUpdate = 32

// Config collects the resource caps and tunables a Server is built
// from, sourced from internal/config in the running binary.
type Config struct {
	MaxConnectionCount                int
	MaxParticipantCount               int
	WindowSize                        int
	MaxSingleParticipantStepOctetCount int
	ForcedStepDisconnectThreshold     int
	ApplicationVersion                uint32
	SessionSecret                     string
	SessionTTL                        time.Duration
}

// Stats is the cumulative counters exposed to /metrics (internal/httpapi)
// and to the admin live view (internal/opswatch).
type Stats struct {
	DatagramsProcessed  uint64
	DatagramsDropped    uint64
	JoinRequests        uint64
	GameStepRequests    uint64
	DownloadRequests    uint64
	ForcedDisconnects   uint64
	BlobChunksSent      uint64
}

// Server is the top-level orchestrator a host application drives with
// a fixed-step simulation.Loop, feeding it inbound datagrams and
// calling Update once per tick.
type Server struct {
	cfg Config
	log *logging.Logger

	transports   *transport.Pool
	participants *participant.Pool
	game         *game.Game
	composer     *composer.Composer
	sessions     *auth.SessionIssuer
	channels     *blobstream.ChannelAllocator
	blobOuts     map[uint8]*blobstream.Out

	Stats Stats

	startedAt    time.Time
	startupError error
}

// New constructs a Server ready to drive a fresh game at initialStepID.
func New(cfg Config, log *logging.Logger, initialStepID stepid.ID) (*Server, error) {
	if cfg.MaxConnectionCount <= 0 || cfg.MaxConnectionCount > 64 {
		return nil, nberr.New("server.New", nberr.CategoryInternal, nberr.CodeInternalInvariant,
			fmt.Errorf("maxConnectionCount %d out of [1,64]", cfg.MaxConnectionCount))
	}
	if log == nil {
		log = logging.NewTestLogger()
	}
	pool, err := participant.NewPool(cfg.MaxConnectionCount, cfg.MaxParticipantCount, cfg.WindowSize,
		cfg.MaxSingleParticipantStepOctetCount, cfg.ForcedStepDisconnectThreshold)
	if err != nil {
		return nil, err
	}
	g, err := game.New(cfg.WindowSize, pool, initialStepID)
	if err != nil {
		return nil, err
	}
	sessions, err := auth.NewSessionIssuer(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:          cfg,
		log:          log,
		transports:   transport.NewPool(cfg.MaxConnectionCount),
		participants: pool,
		game:         g,
		composer:     &composer.Composer{Game: g, Pool: pool, WindowSize: cfg.WindowSize, Log: log},
		sessions:     sessions,
		channels:     blobstream.NewChannelAllocator(),
		blobOuts:     make(map[uint8]*blobstream.Out),
		startedAt:    time.Now(),
	}, nil
}

// Game exposes the aggregate so the host application can supply fresh
// snapshots in response to MustProvideGameState.
func (s *Server) Game() *game.Game { return s.game }

// Update drains up to maxDatagramsPerUpdate inbound datagrams from t
// and dispatches each to its handler, per spec.md §4.7's pump.
func (s *Server) Update(t transport.Transport) {
	for i := 0; i < maxDatagramsPerUpdate; i++ {
		connectionID, buf, ok, err := t.ReceiveFrom()
		if err != nil {
			s.log.Warn("transport receive failed", logging.Error(err))
			break
		}
		if !ok {
			break
		}
		s.Feed(t, connectionID, buf)
	}
}

// Feed processes a single inbound datagram addressed to connectionID,
// sending any resulting reply through t.
func (s *Server) Feed(t transport.Transport, connectionID int, datagram []byte) {
	if connectionID < 0 || connectionID >= s.transports.Capacity() {
		s.log.Warn("datagram addressed to out-of-range connection index", logging.Int("connectionID", connectionID))
		return
	}
	frame, err := wire.DecodeFrame(datagram)
	if err != nil {
		s.log.Debug("dropping malformed datagram", logging.Int("connectionID", connectionID), logging.Error(err))
		return
	}
	tc := s.transports.Ensure(connectionID)
	if !tc.InLogic.AcceptInbound(frame.SequenceID) {
		s.Stats.DatagramsDropped++
		return
	}
	s.Stats.DatagramsProcessed++

	var (
		replyCommand wire.Command
		replyPayload []byte
		hasReply     bool
	)
	switch frame.Command {
	case wire.CommandJoinGameRequest:
		s.Stats.JoinRequests++
		replyCommand, replyPayload, hasReply = wire.CommandJoinGameResponse, s.handleJoinGame(tc, frame.Payload), true
	case wire.CommandGameStep:
		s.Stats.GameStepRequests++
		replyCommand, replyPayload, hasReply = s.handleGameStep(tc, frame.Payload)
	case wire.CommandDownloadGameStateRequest:
		s.Stats.DownloadRequests++
		replyCommand, replyPayload, hasReply = wire.CommandDownloadGameStateResponse, s.handleDownloadGameStateRequest(tc, frame.Payload), true
	case wire.CommandDownloadGameStateStatus:
		s.handleDownloadGameStateAck(t, connectionID, tc, frame.Payload)
	default:
		s.log.Debug("dropping datagram with unknown command", logging.Int("connectionID", connectionID), logging.Int("command", int(frame.Command)))
	}

	if !hasReply || replyPayload == nil {
		return
	}
	s.send(t, connectionID, tc, replyCommand, replyPayload)
}

func (s *Server) send(t transport.Transport, connectionID int, tc *transport.Connection, command wire.Command, payload []byte) {
	datagram, err := wire.EncodeFrame(tc.OutLogic.NextOutboundSequenceID(), command, payload)
	if err != nil {
		s.log.Warn("failed to encode outbound frame", logging.Int("connectionID", connectionID), logging.Error(err))
		return
	}
	if err := t.SendTo(connectionID, datagram); err != nil {
		s.log.Warn("failed to send outbound datagram", logging.Int("connectionID", connectionID), logging.Error(err))
	}
}

// ReleaseDisconnected drops any connections the composer marked for
// forced-step disconnection during the last tick, closing out their
// transport-level session too.
func (s *Server) ReleaseDisconnected(result composer.Result) {
	for _, conn := range result.Disconnected {
		s.Stats.ForcedDisconnects++
		if tc := s.transports.Get(conn.TransportConnectionID); tc != nil {
			s.transports.Release(conn.TransportConnectionID)
		}
	}
}

// Compose runs the StepComposer algorithm for the current tick and
// releases any connections it disconnects.
func (s *Server) Compose() composer.Result {
	result := s.composer.Compose()
	s.ReleaseDisconnected(result)
	return result
}

// SetStartupError records a fatal startup condition surfaced through
// ReadinessHandler via httpapi.ReadinessProvider.
func (s *Server) SetStartupError(err error) { s.startupError = err }

// StartupError implements httpapi.ReadinessProvider.
func (s *Server) StartupError() error { return s.startupError }

// Uptime implements httpapi.ReadinessProvider.
func (s *Server) Uptime() time.Duration { return time.Since(s.startedAt) }

// ConnectedCount implements httpapi.StatsProvider.
func (s *Server) ConnectedCount() int { return s.transports.ConnectedCount() }

// AuthoritativeStepID implements httpapi.StatsProvider.
func (s *Server) AuthoritativeStepID() uint32 {
	return uint32(s.game.AuthoritativeSteps.ExpectedWriteID())
}

// DatagramsProcessed implements httpapi.StatsProvider.
func (s *Server) DatagramsProcessed() uint64 { return s.Stats.DatagramsProcessed }

// DatagramsDropped implements httpapi.StatsProvider.
func (s *Server) DatagramsDropped() uint64 { return s.Stats.DatagramsDropped }

// JoinRequests implements httpapi.StatsProvider.
func (s *Server) JoinRequests() uint64 { return s.Stats.JoinRequests }

// GameStepRequests implements httpapi.StatsProvider.
func (s *Server) GameStepRequests() uint64 { return s.Stats.GameStepRequests }

// DownloadRequests implements httpapi.StatsProvider.
func (s *Server) DownloadRequests() uint64 { return s.Stats.DownloadRequests }

// ForcedDisconnects implements httpapi.StatsProvider.
func (s *Server) ForcedDisconnects() uint64 { return s.Stats.ForcedDisconnects }

// BlobChunksSent implements httpapi.StatsProvider.
func (s *Server) BlobChunksSent() uint64 { return s.Stats.BlobChunksSent }

// snapshotView is the JSON payload opswatch broadcasts to connected
// dashboards once per second.
type snapshotView struct {
	UptimeSeconds       float64 `json:"uptime_seconds"`
	Connections         int     `json:"connections"`
	AuthoritativeStepID uint32  `json:"authoritative_step_id"`
	DatagramsProcessed  uint64  `json:"datagrams_processed"`
	DatagramsDropped    uint64  `json:"datagrams_dropped"`
	JoinRequests        uint64  `json:"join_requests"`
	GameStepRequests    uint64  `json:"game_step_requests"`
	DownloadRequests    uint64  `json:"download_requests"`
	ForcedDisconnects   uint64  `json:"forced_disconnects"`
	BlobChunksSent      uint64  `json:"blob_chunks_sent"`
}

// Snapshot implements opswatch.StatsProvider.
func (s *Server) Snapshot() any {
	return snapshotView{
		UptimeSeconds:       s.Uptime().Seconds(),
		Connections:         s.ConnectedCount(),
		AuthoritativeStepID: s.AuthoritativeStepID(),
		DatagramsProcessed:  s.Stats.DatagramsProcessed,
		DatagramsDropped:    s.Stats.DatagramsDropped,
		JoinRequests:        s.Stats.JoinRequests,
		GameStepRequests:    s.Stats.GameStepRequests,
		DownloadRequests:    s.Stats.DownloadRequests,
		ForcedDisconnects:   s.Stats.ForcedDisconnects,
		BlobChunksSent:      s.Stats.BlobChunksSent,
	}
}
