package database_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stapelberg/hmcentral/internal/database"
)

func openStore(t *testing.T) (*database.DB, *database.Store) {
	t.Helper()
	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "hmcentral.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return db, database.NewStore(db)
}

func TestMigrateTwice(t *testing.T) {
	db, _ := openStore(t)
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestPeers(t *testing.T) {
	ctx := context.Background()
	_, s := openStore(t)

	id := s.SavePeer(ctx, database.PeerRecord{
		Family:  "bidcos",
		Address: 0x1a2b3c,
		Serial:  "LEQ0000001",
		TypeID:  0x00ac,
	})
	if id == 0 {
		t.Fatalf("SavePeer failed")
	}
	// same serial updates the existing row
	again := s.SavePeer(ctx, database.PeerRecord{
		Family:  "bidcos",
		Address: 0x1a2b3d,
		Serial:  "LEQ0000001",
		TypeID:  0x00ac,
	})
	if got, want := again, id; got != want {
		t.Fatalf("unexpected id on update: got %d, want %d", got, want)
	}
	if id := s.SavePeer(ctx, database.PeerRecord{Family: "wired", Address: 1, Serial: "LEQ0000001"}); id == 0 {
		t.Fatalf("SavePeer of another family failed")
	}

	peers, err := s.Peers(ctx, "bidcos")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(peers), 1; got != want {
		t.Fatalf("unexpected number of peers: got %d, want %d", got, want)
	}
	if got, want := peers[0].Address, int32(0x1a2b3d); got != want {
		t.Fatalf("unexpected address: got %x, want %x", got, want)
	}

	pid := s.SaveParameter(ctx, database.ParameterRecord{
		PeerID:  id,
		Channel: 2,
		Name:    "TX_THRESHOLD_POWER",
		Value:   []byte{0x01, 0x02, 0x03},
	})
	if pid == 0 {
		t.Fatalf("SaveParameter failed")
	}
	if s.SaveVariable(ctx, "bidcos", id, database.Variable{Index: 1, Int: 0x18}) == 0 {
		t.Fatalf("SaveVariable failed")
	}

	if err := s.DeletePeer(ctx, "bidcos", id); err != nil {
		t.Fatal(err)
	}
	params, err := s.Parameters(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(params) != 0 {
		t.Fatalf("parameters of deleted peer remain: %v", params)
	}
	vars, err := s.Variables(ctx, "bidcos", id)
	if err != nil {
		t.Fatal(err)
	}
	if len(vars) != 0 {
		t.Fatalf("variables of deleted peer remain: %v", vars)
	}
}

func TestParameterUpsert(t *testing.T) {
	ctx := context.Background()
	_, s := openStore(t)
	peer := s.SavePeer(ctx, database.PeerRecord{Family: "bidcos", Address: 1, Serial: "LEQ0000002"})

	rec := database.ParameterRecord{
		PeerID:        peer,
		ParamsetType:  1,
		Channel:       1,
		RemoteAddress: 0x390f17,
		RemoteChannel: 2,
		Name:          "SHORT_ON_TIME",
		Value:         []byte{0xff},
	}
	first := s.SaveParameter(ctx, rec)
	rec.Value = []byte{0x10}
	second := s.SaveParameter(ctx, rec)
	if got, want := second, first; got != want {
		t.Fatalf("unexpected id on update: got %d, want %d", got, want)
	}
	params, err := s.Parameters(ctx, peer)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(params), 1; got != want {
		t.Fatalf("unexpected number of parameters: got %d, want %d", got, want)
	}
	if got, want := params[0].Value[0], byte(0x10); got != want {
		t.Fatalf("unexpected value: got %x, want %x", got, want)
	}
}

func TestSaveParameterFailureReturnsZero(t *testing.T) {
	ctx := context.Background()
	_, s := openStore(t)
	// no such peer: the foreign key constraint fails
	if got := s.SaveParameter(ctx, database.ParameterRecord{PeerID: 4711, Name: "X"}); got != 0 {
		t.Fatalf("SaveParameter for unknown peer: got id %d, want 0", got)
	}
}

func TestCentralVariable(t *testing.T) {
	ctx := context.Background()
	_, s := openStore(t)
	if _, ok, err := s.Variable(ctx, "bidcos", 0, 100); err != nil || ok {
		t.Fatalf("Variable of empty store: ok=%v, err=%v", ok, err)
	}
	if s.SaveVariable(ctx, "bidcos", 0, database.Variable{Index: 100, Binary: []byte{0, 0, 0, 0}}) == 0 {
		t.Fatalf("SaveVariable failed")
	}
	v, ok, err := s.Variable(ctx, "bidcos", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("variable not found")
	}
	if got, want := len(v.Binary), 4; got != want {
		t.Fatalf("unexpected value length: got %d, want %d", got, want)
	}
}
