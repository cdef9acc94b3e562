package game

import (
	"testing"

	"github.com/opera-aberglund/nimble-server-lib/internal/participant"
	"github.com/opera-aberglund/nimble-server-lib/internal/stepid"
)

func newTestGame(t *testing.T) *Game {
	t.Helper()
	pool, err := participant.NewPool(4, 4, 64, 24, 60)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	g, err := New(64, pool, stepid.ID(0x100))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestReInitWithGameSetsStateAndReadID(t *testing.T) {
	g := newTestGame(t)
	if err := g.ReInitWithGame([]byte{0xFE, 0xFE}, stepid.ID(0x151)); err != nil {
		t.Fatalf("ReInitWithGame: %v", err)
	}
	state, id := g.LatestState()
	if id != stepid.ID(0x151) || string(state) != "\xfe\xfe" {
		t.Fatalf("unexpected state after reinit: %v %v", state, id)
	}
	if g.AuthoritativeSteps.ExpectedReadID() != stepid.ID(0x151) {
		t.Fatalf("expectedReadId = %v, want 0x151", g.AuthoritativeSteps.ExpectedReadID())
	}
}

func TestMustProvideGameStateThreshold(t *testing.T) {
	g := newTestGame(t)
	if g.MustProvideGameState() {
		t.Fatalf("fresh game should not require a snapshot yet")
	}
	for i := 0; i < ProvisioningThreshold+1; i++ {
		if g.AuthoritativeSteps.StepsCount() == g.AuthoritativeSteps.Capacity() {
			if err := g.AuthoritativeSteps.DiscardCount(1); err != nil {
				t.Fatalf("discard before write %d: %v", i, err)
			}
		}
		id := g.AuthoritativeSteps.ExpectedWriteID()
		if err := g.AuthoritativeSteps.Write(id, nil); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if !g.MustProvideGameState() {
		t.Fatalf("expected MustProvideGameState to be true past the threshold")
	}
}

func TestReInitWithGameRejectedDuringActiveBlobStream(t *testing.T) {
	g := newTestGame(t)
	g.BeginBlobStreamOut()
	if err := g.ReInitWithGame([]byte{0x00}, stepid.ID(0)); err == nil {
		t.Fatalf("expected ReInitWithGame to fail while a blob stream is active")
	}
	g.EndBlobStreamOut()
	if err := g.ReInitWithGame([]byte{0x00}, stepid.ID(0)); err != nil {
		t.Fatalf("expected ReInitWithGame to succeed once the blob stream ended: %v", err)
	}
}
