package execengine

import (
	"context"
	"fmt"
	"testing"

	"oms-systemv1/internal/model"
)

type fakeReader struct {
	brackets map[string]*model.Bracket
	byInstr  map[string][]string
}

func (r *fakeReader) GetBracket(_ context.Context, id string) (*model.Bracket, error) {
	return r.brackets[id], nil
}

func (r *fakeReader) GetOrder(context.Context, string) (*model.Order, error) { return nil, nil }

func (r *fakeReader) ActiveByInstrument(_ context.Context, instrumentID string) ([]string, error) {
	return r.byInstr[instrumentID], nil
}

func (r *fakeReader) LookupOrderID(context.Context, string) (string, error) { return "", nil }

type cmdRecorder struct {
	cmds []*model.Command
}

func (p *cmdRecorder) PublishCommand(_ context.Context, _ string, cmd *model.Command) error {
	p.cmds = append(p.cmds, cmd)
	return nil
}

func (p *cmdRecorder) PublishBrokerCommand(context.Context, string, *model.BrokerCommand) error {
	return nil
}
func (p *cmdRecorder) PublishOrderUpdate(context.Context, string, *model.OrderUpdate) error {
	return nil
}
func (p *cmdRecorder) PublishEvent(context.Context, string, *model.Event) error       { return nil }
func (p *cmdRecorder) PublishResponse(context.Context, string, *model.CommandResponse) error {
	return nil
}

func newTestEngine(brackets ...*model.Bracket) (*Engine, *cmdRecorder) {
	r := &fakeReader{
		brackets: make(map[string]*model.Bracket),
		byInstr:  make(map[string][]string),
	}
	for _, b := range brackets {
		r.brackets[b.BracketID] = b
		r.byInstr[b.InstrumentID] = append(r.byInstr[b.InstrumentID], b.BracketID)
	}
	pub := &cmdRecorder{}
	return New(r, pub, "oms:state:commands", true), pub
}

func tickJSON(instrumentID string, price float64) []byte {
	return []byte(fmt.Sprintf(`{"instrument_id":%q,"last_price":%g}`, instrumentID, price))
}

func longBracket(state model.BracketState) *model.Bracket {
	return &model.Bracket{
		BracketID:     "b-1",
		InstrumentID:  "2885",
		Side:          model.SideBuy,
		Qty:           10,
		EntryPrice:    100,
		TargetPrice:   105,
		StoplossPrice: 95,
		State:         state,
	}
}

func shortBracket(state model.BracketState) *model.Bracket {
	return &model.Bracket{
		BracketID:     "b-2",
		InstrumentID:  "2885",
		Side:          model.SideSell,
		Qty:           10,
		EntryPrice:    100,
		TargetPrice:   95,
		StoplossPrice: 105,
		State:         state,
	}
}

func TestEntryTriggers(t *testing.T) {
	tests := []struct {
		name    string
		bracket *model.Bracket
		price   float64
		hit     bool
	}{
		{"long fills at or below limit", longBracket(model.BracketEntryPlaced), 100, true},
		{"long fills below limit", longBracket(model.BracketEntryPlaced), 99.5, true},
		{"long waits above limit", longBracket(model.BracketEntryPlaced), 100.05, false},
		{"short fills at or above limit", shortBracket(model.BracketEntryPlaced), 100, true},
		{"short waits below limit", shortBracket(model.BracketEntryPlaced), 99.9, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, pub := newTestEngine(tt.bracket)
			if err := e.HandleTickRaw(context.Background(), tickJSON("2885", tt.price)); err != nil {
				t.Fatalf("HandleTickRaw: %v", err)
			}
			if tt.hit != (len(pub.cmds) == 1) {
				t.Fatalf("hit = %v, commands = %+v", tt.hit, pub.cmds)
			}
			if tt.hit {
				cmd := pub.cmds[0]
				if cmd.Kind != model.CmdEntryHit || cmd.BracketID != tt.bracket.BracketID {
					t.Fatalf("command = %+v", cmd)
				}
				if cmd.FilledPrice != tt.price {
					t.Fatalf("filled price = %.2f, want tick price %.2f", cmd.FilledPrice, tt.price)
				}
			}
		})
	}
}

func TestExitTriggers(t *testing.T) {
	tests := []struct {
		name    string
		bracket *model.Bracket
		price   float64
		exit    model.ExitKind
	}{
		{"long target", longBracket(model.BracketExitOrdersPlaced), 105, model.ExitTarget},
		{"long stoploss", longBracket(model.BracketExitOrdersPlaced), 94.8, model.ExitStoploss},
		{"long holds inside band", longBracket(model.BracketExitOrdersPlaced), 101, ""},
		{"short target", shortBracket(model.BracketExitOrdersPlaced), 95, model.ExitTarget},
		{"short stoploss", shortBracket(model.BracketExitOrdersPlaced), 105.5, model.ExitStoploss},
		{"short holds inside band", shortBracket(model.BracketExitOrdersPlaced), 100, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, pub := newTestEngine(tt.bracket)
			if err := e.HandleTickRaw(context.Background(), tickJSON("2885", tt.price)); err != nil {
				t.Fatalf("HandleTickRaw: %v", err)
			}
			if tt.exit == "" {
				if len(pub.cmds) != 0 {
					t.Fatalf("commands = %+v, want none", pub.cmds)
				}
				return
			}
			if len(pub.cmds) != 1 {
				t.Fatalf("commands = %+v, want one", pub.cmds)
			}
			cmd := pub.cmds[0]
			if cmd.Kind != model.CmdExitHit || cmd.ExitType != tt.exit {
				t.Fatalf("command = %+v, want %s", cmd, tt.exit)
			}
		})
	}
}

func TestStoplossWinsOnGap(t *testing.T) {
	// A degenerate bracket where one print crosses both levels.
	b := longBracket(model.BracketExitOrdersPlaced)
	b.TargetPrice = 90
	e, pub := newTestEngine(b)
	if err := e.HandleTickRaw(context.Background(), tickJSON("2885", 90)); err != nil {
		t.Fatalf("HandleTickRaw: %v", err)
	}
	if len(pub.cmds) != 1 || pub.cmds[0].ExitType != model.ExitStoploss {
		t.Fatalf("commands = %+v, want single stoploss", pub.cmds)
	}
}

func TestLiveModeLeavesEntryToBroker(t *testing.T) {
	r := &fakeReader{
		brackets: make(map[string]*model.Bracket),
		byInstr:  make(map[string][]string),
	}
	entry := longBracket(model.BracketEntryPlaced)
	exits := shortBracket(model.BracketExitOrdersPlaced)
	for _, b := range []*model.Bracket{entry, exits} {
		r.brackets[b.BracketID] = b
		r.byInstr[b.InstrumentID] = append(r.byInstr[b.InstrumentID], b.BracketID)
	}
	pub := &cmdRecorder{}
	e := New(r, pub, "oms:state:commands", false)

	// 94 is through the long's entry limit and the short's target. With a
	// real broker the entry fill comes back on the order-updates stream,
	// so only the synthetic exit may trigger here.
	if err := e.HandleTickRaw(context.Background(), tickJSON("2885", 94)); err != nil {
		t.Fatalf("HandleTickRaw: %v", err)
	}
	if len(pub.cmds) != 1 {
		t.Fatalf("commands = %+v, want exit only", pub.cmds)
	}
	cmd := pub.cmds[0]
	if cmd.Kind != model.CmdExitHit || cmd.BracketID != exits.BracketID {
		t.Fatalf("command = %+v, want exit for %s", cmd, exits.BracketID)
	}
}

func TestNonTriggerStatesIgnored(t *testing.T) {
	for _, state := range []model.BracketState{
		model.BracketCreated, model.BracketEntryFilled,
		model.BracketCompleted, model.BracketCancelled,
	} {
		e, pub := newTestEngine(longBracket(state))
		if err := e.HandleTickRaw(context.Background(), tickJSON("2885", 100)); err != nil {
			t.Fatalf("HandleTickRaw: %v", err)
		}
		if len(pub.cmds) != 0 {
			t.Fatalf("state %s emitted %+v", state, pub.cmds)
		}
	}
}

func TestTickForIdleInstrument(t *testing.T) {
	e, pub := newTestEngine(longBracket(model.BracketEntryPlaced))
	if err := e.HandleTickRaw(context.Background(), tickJSON("9999", 100)); err != nil {
		t.Fatalf("HandleTickRaw: %v", err)
	}
	if len(pub.cmds) != 0 {
		t.Fatalf("commands = %+v, want none", pub.cmds)
	}
}

func TestBadTickDropped(t *testing.T) {
	e, pub := newTestEngine(longBracket(model.BracketEntryPlaced))
	for _, raw := range [][]byte{
		[]byte("{nope"),
		[]byte(`{"instrument_id":"2885","last_price":0}`),
		[]byte(`{"last_price":100}`),
	} {
		if err := e.HandleTickRaw(context.Background(), raw); err != nil {
			t.Fatalf("bad tick must not requeue: %v", err)
		}
	}
	if len(pub.cmds) != 0 {
		t.Fatalf("commands = %+v, want none", pub.cmds)
	}
}

func TestMultipleBracketsSameInstrument(t *testing.T) {
	long := longBracket(model.BracketEntryPlaced)
	short := shortBracket(model.BracketExitOrdersPlaced)
	e, pub := newTestEngine(long, short)

	// 94 fills the long entry and hits the short's target.
	if err := e.HandleTickRaw(context.Background(), tickJSON("2885", 94)); err != nil {
		t.Fatalf("HandleTickRaw: %v", err)
	}
	if len(pub.cmds) != 2 {
		t.Fatalf("commands = %+v, want two", pub.cmds)
	}
}
