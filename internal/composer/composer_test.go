package composer

import (
	"testing"

	"github.com/opera-aberglund/nimble-server-lib/internal/game"
	"github.com/opera-aberglund/nimble-server-lib/internal/logging"
	"github.com/opera-aberglund/nimble-server-lib/internal/participant"
	"github.com/opera-aberglund/nimble-server-lib/internal/stepid"
	"github.com/opera-aberglund/nimble-server-lib/internal/wire"
)

const windowSize = 64

func newHarness(t *testing.T, forcedThreshold int) (*participant.Pool, *game.Game, *Composer) {
	t.Helper()
	pool, err := participant.NewPool(4, 4, windowSize, 4, forcedThreshold)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	g, err := game.New(windowSize, pool, stepid.ID(0x100))
	if err != nil {
		t.Fatalf("game.New: %v", err)
	}
	c := &Composer{Game: g, Pool: pool, WindowSize: windowSize, Log: logging.NewTestLogger()}
	return pool, g, c
}

func writeIncoming(t *testing.T, conn *participant.Connection, id stepid.ID, participantID uint8, payload []byte) {
	t.Helper()
	body, err := wire.EncodeCombinedStepBody(wire.CombinedStep{Records: []wire.StepRecord{{ParticipantID: participantID, Bytes: payload}}})
	if err != nil {
		t.Fatalf("EncodeCombinedStepBody: %v", err)
	}
	if err := conn.Steps.Write(id, body); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestComposeSingleParticipantThreeSteps(t *testing.T) {
	pool, g, c := newHarness(t, 60)
	conn, err := pool.Create(0, stepid.ID(0x100))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	p, err := pool.AllocateParticipant(conn, 0)
	if err != nil {
		t.Fatalf("AllocateParticipant: %v", err)
	}
	writeIncoming(t, conn, stepid.ID(0x100), p.ID, []byte{0xAA})
	writeIncoming(t, conn, stepid.ID(0x101), p.ID, []byte{0xBB})
	writeIncoming(t, conn, stepid.ID(0x102), p.ID, []byte{0xCC})

	result := c.Compose()
	if result.TicksComposed != 3 {
		t.Fatalf("TicksComposed = %d, want 3", result.TicksComposed)
	}
	if g.AuthoritativeSteps.ExpectedWriteID() != stepid.ID(0x103) {
		t.Fatalf("expectedWriteId = %v, want 0x103", g.AuthoritativeSteps.ExpectedWriteID())
	}
	entries := g.AuthoritativeSteps.ReadRange(stepid.ID(0x100), 3)
	want := [][]byte{{0xAA}, {0xBB}, {0xCC}}
	for i, e := range entries {
		step, err := wire.DecodeCombinedStepBody(e.Payload)
		if err != nil {
			t.Fatalf("decode entry %d: %v", i, err)
		}
		if len(step.Records) != 1 || string(step.Records[0].Bytes) != string(want[i]) {
			t.Fatalf("entry %d = %+v, want payload %v", i, step, want[i])
		}
	}
}

func TestComposeFabricatesForcedStepsForMissingConnections(t *testing.T) {
	pool, g, c := newHarness(t, 60)
	a, _ := pool.Create(0, stepid.ID(0x100))
	pA, _ := pool.AllocateParticipant(a, 0)
	b, _ := pool.Create(1, stepid.ID(0x100))
	pB, _ := pool.AllocateParticipant(b, 0)
	_ = pB

	writeIncoming(t, a, stepid.ID(0x100), pA.ID, []byte{0xAA})

	result := c.Compose()
	if result.TicksComposed != 1 {
		t.Fatalf("TicksComposed = %d, want 1", result.TicksComposed)
	}
	if b.ForcedStepInRowCounter != 1 {
		t.Fatalf("expected connection b forcedStepInRowCounter = 1, got %d", b.ForcedStepInRowCounter)
	}
	if a.ForcedStepInRowCounter != 0 {
		t.Fatalf("expected connection a forcedStepInRowCounter reset to 0, got %d", a.ForcedStepInRowCounter)
	}
	entries := g.AuthoritativeSteps.ReadRange(stepid.ID(0x100), 1)
	step, err := wire.DecodeCombinedStepBody(entries[0].Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(step.Records) != 2 {
		t.Fatalf("expected 2 records (one forced), got %d", len(step.Records))
	}
}

func TestComposeDisconnectsAfterForcedStepThreshold(t *testing.T) {
	pool, _, c := newHarness(t, 2)
	a, _ := pool.Create(0, stepid.ID(0x100))
	_, _ = pool.AllocateParticipant(a, 0)
	b, _ := pool.Create(1, stepid.ID(0x100))
	_, _ = pool.AllocateParticipant(b, 0)

	for i := 0; i < 4; i++ {
		id := stepid.Add(stepid.ID(0x100), int32(i))
		writeIncoming(t, a, id, 1, []byte{0x01})
		c.Compose()
	}
	if b.IsUsed {
		t.Fatalf("expected connection b to be released after exceeding the forced-step threshold")
	}
	if b.ID != participant.ReleasedConnectionID {
		t.Fatalf("expected sentinel id on released connection, got %d", b.ID)
	}
}

func TestComposeAppliesBackPressure(t *testing.T) {
	pool, g, c := newHarness(t, 60)
	conn, _ := pool.Create(0, stepid.ID(0x100))
	p, _ := pool.AllocateParticipant(conn, 0)
	limit := windowSize / 3
	for i := 0; i < limit+5; i++ {
		id := stepid.Add(stepid.ID(0x100), int32(i))
		writeIncoming(t, conn, id, p.ID, []byte{byte(i)})
		c.Compose()
	}
	if g.AuthoritativeSteps.StepsCount() != limit {
		t.Fatalf("stepsCount = %d, want %d after back-pressure discard", g.AuthoritativeSteps.StepsCount(), limit)
	}
}
