package server

import (
	"github.com/opera-aberglund/nimble-server-lib/internal/blobstream"
	"github.com/opera-aberglund/nimble-server-lib/internal/logging"
	"github.com/opera-aberglund/nimble-server-lib/internal/participant"
	"github.com/opera-aberglund/nimble-server-lib/internal/stepid"
	"github.com/opera-aberglund/nimble-server-lib/internal/transport"
	"github.com/opera-aberglund/nimble-server-lib/internal/wire"
)

// handleJoinGame implements spec.md §4.5's JoinGame handler: idempotent
// on a connection that already has an assignment, otherwise claiming a
// fresh ParticipantConnection and one Participant per requested local
// player index.
func (s *Server) handleJoinGame(tc *transport.Connection, payload []byte) []byte {
	req, err := wire.DecodeJoinGameRequest(payload)
	if err != nil {
		s.log.Debug("malformed JoinGameRequest", logging.Error(err))
		return nil
	}

	if tc.AssignedParticipantConnection != nil {
		return s.joinGameResponseFor(tc.AssignedParticipantConnection)
	}

	pc, err := s.participants.Create(tc.TransportConnectionID, s.game.AuthoritativeSteps.ExpectedWriteID())
	if err != nil {
		s.log.Info("JoinGame rejected: no free ParticipantConnection", logging.Error(err))
		resp, encErr := wire.EncodeJoinGameResponse(wire.JoinGameResponse{})
		if encErr != nil {
			return nil
		}
		return resp
	}
	for _, localIndex := range req.LocalPlayerIndexes {
		if _, err := s.participants.AllocateParticipant(pc, localIndex); err != nil {
			s.log.Info("JoinGame rejected: no free Participant slot", logging.Error(err))
			s.participants.Release(pc)
			resp, encErr := wire.EncodeJoinGameResponse(wire.JoinGameResponse{})
			if encErr != nil {
				return nil
			}
			return resp
		}
	}
	tc.AssignedParticipantConnection = pc
	tc.Phase = transport.PhaseIdle
	return s.joinGameResponseFor(pc)
}

func (s *Server) joinGameResponseFor(pc *participant.Connection) []byte {
	ids := make([]uint8, 0, pc.ParticipantCount)
	for _, idx := range pc.Participants() {
		ids = append(ids, uint8(idx))
	}
	nonce := s.sessions.Issue(pc.ID)
	resp, err := wire.EncodeJoinGameResponse(wire.JoinGameResponse{ParticipantIDs: ids, SessionNonce: nonce})
	if err != nil {
		s.log.Warn("failed to encode JoinGameResponse", logging.Error(err))
		return nil
	}
	return resp
}

// handleGameStep implements spec.md §4.5's GameStep handler: ingest the
// caller's predicted steps into its ParticipantConnection ring, run the
// composer, and reply with as much of the authoritative tail as fits
// within the MTU starting at the caller's requested step id.
func (s *Server) handleGameStep(tc *transport.Connection, payload []byte) (wire.Command, []byte, bool) {
	req, err := wire.DecodeGameStepRequest(payload)
	if err != nil {
		s.log.Debug("malformed GameStepRequest", logging.Error(err))
		return 0, nil, false
	}
	pc := tc.AssignedParticipantConnection
	if pc == nil {
		s.log.Debug("GameStep from connection with no JoinGame assignment")
		return 0, nil, false
	}

	for i, step := range req.Steps {
		id := stepid.Add(stepid.ID(req.FirstPredictedStepID), int32(i))
		if id != pc.Steps.ExpectedWriteID() {
			continue
		}
		body, err := wire.EncodeCombinedStepBody(step)
		if err != nil {
			continue
		}
		_ = pc.Steps.Write(id, body)
	}

	s.Compose()

	//1.- Roll the per-connection buffer-depth and lag stats forward
	// (spec.md §3's "rolling average of buffer depth" / per-connection
	// lag stat), an exponential moving average so a single noisy tick
	// doesn't swing the reported figure.
	pc.IncomingStepCountInBufferStats = ema(pc.IncomingStepCountInBufferStats, float64(pc.Steps.StepsCount()))
	lag := stepid.Delta(s.game.AuthoritativeSteps.ExpectedWriteID(), stepid.ID(req.WaitingForStepID))
	if lag < 0 {
		lag = 0
	}
	tc.StepsBehindStats = ema(tc.StepsBehindStats, float64(lag))

	waitingFor := stepid.ID(req.WaitingForStepID)
	readID := s.game.AuthoritativeSteps.ExpectedReadID()
	if stepid.Before(waitingFor, readID) {
		waitingFor = readID
	}
	entries := s.game.AuthoritativeSteps.ReadRange(waitingFor, s.cfg.WindowSize)
	if len(entries) == 0 {
		pc.NoRangesToSendCounter++
	} else {
		pc.NoRangesToSendCounter = 0
	}

	candidates := make([]wire.CombinedStep, 0, len(entries))
	for _, e := range entries {
		step, err := wire.DecodeCombinedStepBody(e.Payload)
		if err != nil {
			break
		}
		candidates = append(candidates, step)
	}
	kept := wire.TruncateStepsToMTU(candidates, 5)

	resp, err := wire.EncodeGameStepResponse(wire.GameStepResponse{StartStepID: uint32(waitingFor), Steps: kept})
	if err != nil {
		s.log.Warn("failed to encode GameStepResponse", logging.Error(err))
		return 0, nil, false
	}
	return wire.CommandGameStepResponse, resp, true
}

// handleDownloadGameStateRequest implements spec.md §4.5's
// DownloadGameStateRequest handler: rejects on application version
// mismatch, otherwise allocates a blob-stream channel and begins
// streaming the currently held snapshot.
func (s *Server) handleDownloadGameStateRequest(tc *transport.Connection, payload []byte) []byte {
	req, err := wire.DecodeDownloadGameStateRequest(payload)
	if err != nil {
		s.log.Debug("malformed DownloadGameStateRequest", logging.Error(err))
		return nil
	}
	if req.ApplicationVersion != s.cfg.ApplicationVersion {
		return wire.EncodeDownloadGameStateResponse(wire.DownloadGameStateResponse{
			ClientRequestID: req.ClientRequestID,
			VersionMismatch: true,
		})
	}

	channel, err := s.channels.Allocate()
	if err != nil {
		s.log.Warn("DownloadGameStateRequest rejected: no free blob-stream channel", logging.Error(err))
		return nil
	}

	state, stateID := s.game.LatestState()
	out := blobstream.NewOut(channel, state)
	s.game.BeginBlobStreamOut()
	s.blobOuts[channel] = out

	tc.Phase = transport.PhaseInitialStateDetermined
	tc.NextAuthoritativeStepIDToSend = stepid.Add(stateID, 1)
	tc.BlobStreamChannel = channel
	tc.BlobStreamActive = true
	tc.BlobStreamClientReq = req.ClientRequestID

	return wire.EncodeDownloadGameStateResponse(wire.DownloadGameStateResponse{
		ClientRequestID: req.ClientRequestID,
		BlobChannel:     channel,
		TotalOctetCount: out.TotalOctetCount(),
		StepID:          uint32(stateID),
	})
}

// handleDownloadGameStateAck implements spec.md §4.5's
// DownloadGameStateAck handler: advance the blob stream's acknowledged
// frontier and push out the next batch of chunks, tearing the stream
// down once every octet has been acknowledged.
func (s *Server) handleDownloadGameStateAck(t transport.Transport, connectionID int, tc *transport.Connection, payload []byte) {
	status, err := wire.DecodeDownloadGameStateStatus(payload)
	if err != nil {
		s.log.Debug("malformed DownloadGameStateAck", logging.Error(err))
		return
	}
	out, ok := s.blobOuts[status.BlobChannel]
	if !ok {
		s.log.Debug("DownloadGameStateAck for unknown channel", logging.Int("channel", int(status.BlobChannel)))
		return
	}
	out.Ack(status.ReceivedOctetCount)

	for _, chunk := range out.NextChunks() {
		payload := make([]byte, 1+len(chunk))
		payload[0] = status.BlobChannel
		copy(payload[1:], chunk)
		s.send(t, connectionID, tc, wire.CommandBlobStreamChunk, payload)
		s.Stats.BlobChunksSent++
	}

	if out.Done() {
		s.game.EndBlobStreamOut()
		s.channels.Release(status.BlobChannel)
		delete(s.blobOuts, status.BlobChannel)
		tc.BlobStreamActive = false
	}
}

// statsEMAAlpha weights each new GameStep sample against the running
// average kept in IncomingStepCountInBufferStats/StepsBehindStats.
const statsEMAAlpha = 0.2

func ema(current, sample float64) float64 {
	return current + statsEMAAlpha*(sample-current)
}
