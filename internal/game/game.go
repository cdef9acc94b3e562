// Package game implements the Game aggregate: the authoritative step
// ring, the latest serialized state snapshot, and the state
// provisioning rule described in spec.md §3, §4.6 and §9.
package game

import (
	"fmt"

	"github.com/opera-aberglund/nimble-server-lib/internal/nberr"
	"github.com/opera-aberglund/nimble-server-lib/internal/participant"
	"github.com/opera-aberglund/nimble-server-lib/internal/stepid"
	"github.com/opera-aberglund/nimble-server-lib/internal/stepstore"
)

// ProvisioningThreshold is the tick distance past which a stale
// latestState forces the host application to serialize a fresh one
// (spec.md §4.6).
const ProvisioningThreshold = 80

// Game is the single-threaded-owned aggregate every request handler
// mutates during Server.Update.
type Game struct {
	AuthoritativeSteps *stepstore.Store
	Participants       *participant.Pool

	latestState       []byte
	latestStateStepID stepid.ID

	DebugIsFrozen bool

	activeBlobStreamOutCount int
}

// New constructs a Game with the given authoritative ring capacity and
// the participant/connection pool it shares ownership of.
func New(windowCapacity int, participants *participant.Pool, initialStepID stepid.ID) (*Game, error) {
	steps, err := stepstore.New(windowCapacity, initialStepID)
	if err != nil {
		return nil, err
	}
	return &Game{
		AuthoritativeSteps: steps,
		Participants:       participants,
		latestStateStepID:  initialStepID,
	}, nil
}

// LatestState returns the currently held snapshot and the StepId it was
// captured at.
func (g *Game) LatestState() ([]byte, stepid.ID) {
	return g.latestState, g.latestStateStepID
}

// MustProvideGameState implements spec.md §4.6's threshold rule.
func (g *Game) MustProvideGameState() bool {
	delta := stepid.Delta(g.AuthoritativeSteps.ExpectedWriteID(), g.latestStateStepID)
	return delta > ProvisioningThreshold
}

// SetGameState installs a freshly serialized snapshot without
// resetting the authoritative step ring, used by the host application
// in response to MustProvideGameState.
func (g *Game) SetGameState(state []byte, id stepid.ID) error {
	if stepid.After(id, g.AuthoritativeSteps.ExpectedReadID()) {
		return nberr.New("game.SetGameState", nberr.CategoryInternal, nberr.CodeInternalInvariant,
			fmt.Errorf("snapshot stepId %v must not be ahead of expectedReadId %v", id, g.AuthoritativeSteps.ExpectedReadID()))
	}
	g.latestState = append([]byte(nil), state...)
	g.latestStateStepID = id
	return nil
}

// BeginBlobStreamOut records that a snapshot is being streamed to a
// client, pinning it against ReInitWithGame for the duration.
func (g *Game) BeginBlobStreamOut() { g.activeBlobStreamOutCount++ }

// EndBlobStreamOut releases the pin taken by BeginBlobStreamOut.
func (g *Game) EndBlobStreamOut() {
	if g.activeBlobStreamOutCount > 0 {
		g.activeBlobStreamOutCount--
	}
}

// ReInitWithGame is the real reset path (spec.md §9's
// nimbleServerReset is a no-op): it resets the authoritative ring and
// latest state together, atomically from the caller's perspective.
// It asserts no BlobStreamOut is currently streaming the old snapshot.
func (g *Game) ReInitWithGame(state []byte, id stepid.ID) error {
	if g.activeBlobStreamOutCount > 0 {
		return nberr.New("game.ReInitWithGame", nberr.CategoryInternal, nberr.CodeInternalInvariant,
			fmt.Errorf("cannot reinit while %d BlobStreamOut transfer(s) are active", g.activeBlobStreamOutCount))
	}
	g.AuthoritativeSteps.Reinit(id)
	g.latestState = append([]byte(nil), state...)
	g.latestStateStepID = id
	return nil
}

// Reset is the preserved no-op described in spec.md §9
// ("nimbleServerReset"): ReInitWithGame remains the only real reset path.
func (g *Game) Reset() {}
