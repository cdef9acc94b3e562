// Package composer implements the StepComposer algorithm of spec.md
// §4.4: turning the heads of per-connection inbound step rings into a
// single authoritative step stream, with forced-step fabrication,
// back-pressure discard and forced-step-driven disconnection.
package composer

import (
	"github.com/opera-aberglund/nimble-server-lib/internal/game"
	"github.com/opera-aberglund/nimble-server-lib/internal/logging"
	"github.com/opera-aberglund/nimble-server-lib/internal/participant"
	"github.com/opera-aberglund/nimble-server-lib/internal/wire"
)

// Composer assembles authoritative steps from the active connections
// of a Pool into a Game's authoritative ring.
type Composer struct {
	Game       *game.Game
	Pool       *participant.Pool
	WindowSize int
	Log        *logging.Logger
}

// Result summarises one Compose invocation.
type Result struct {
	TicksComposed int
	Disconnected  []*participant.Connection
}

// Compose runs the composer to completion for the current call: while
// at least one active connection has an eligible step at the current
// authoritative frontier, it assembles and appends a tick, fabricating
// forced steps for connections with nothing queued. It stops once no
// active connection has anything left to contribute, so a single
// invocation never spins on synthetic input alone.
func (c *Composer) Compose() Result {
	var result Result
	for {
		connections := c.Pool.InUseConnections()
		if len(connections) == 0 {
			break
		}
		tick := c.Game.AuthoritativeSteps.ExpectedWriteID()

		eligible := make([]bool, len(connections))
		anyEligible := false
		for i, conn := range connections {
			if conn.Steps.StepsCount() > 0 && conn.Steps.ExpectedReadID() == tick {
				eligible[i] = true
				anyEligible = true
			}
		}
		if !anyEligible {
			break
		}

		records := make([]wire.StepRecord, 0, len(connections)*participant.MaxLocalPlayers)
		for i, conn := range connections {
			if eligible[i] {
				//2.- A present step contributes the decoded records and resets the forced-step streak.
				if payload, err := conn.Steps.Read(tick); err == nil {
					if step, decodeErr := wire.DecodeCombinedStepBody(payload); decodeErr == nil {
						records = append(records, step.Records...)
					}
				}
				_ = conn.Steps.DiscardCount(1)
				conn.ForcedStepInRowCounter = 0
			} else {
				//3.- Fabricate a forced step: an empty, zero-input repeat-of-last marker.
				for _, idx := range conn.Participants() {
					p := c.Pool.ParticipantByID(uint8(idx))
					if p == nil {
						continue
					}
					records = append(records, wire.StepRecord{ParticipantID: p.ID, Bytes: nil})
				}
				conn.ForcedStepInRowCounter++
			}
		}

		sortRecordsByParticipantID(records)
		body, err := wire.EncodeCombinedStepBody(wire.CombinedStep{Records: records})
		if err == nil {
			_ = c.Game.AuthoritativeSteps.Write(tick, body)
		}
		result.TicksComposed++

		for _, conn := range connections {
			if conn.ForcedStepInRowCounter > c.Pool.ForcedStepThreshold() {
				if c.Log != nil {
					c.Log.Warn("disconnecting connection for exceeding forced-step threshold",
						logging.Int("connectionID", int(conn.ID)),
						logging.Int("forcedStepInRowCounter", conn.ForcedStepInRowCounter))
				}
				result.Disconnected = append(result.Disconnected, conn)
				c.Pool.Release(conn)
			}
		}
	}
	c.applyBackPressure()
	return result
}

// applyBackPressure discards the authoritative ring's oldest entries
// down to WindowSize/3 after composing, per spec.md §4.4, so the
// invariant stepsCount <= WindowSize/3 holds once Compose returns.
func (c *Composer) applyBackPressure() {
	limit := c.WindowSize / 3
	steps := c.Game.AuthoritativeSteps
	if steps.StepsCount() > limit {
		excess := steps.StepsCount() - limit
		_ = steps.DiscardCount(excess)
	}
}

func sortRecordsByParticipantID(records []wire.StepRecord) {
	//1.- Plain insertion sort: record counts are bounded by maxConnectionCount*MaxLocalPlayers.
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && records[j].ParticipantID < records[j-1].ParticipantID; j-- {
			records[j], records[j-1] = records[j-1], records[j]
		}
	}
}
