package shadow

import (
	"encoding/json"
	"fmt"
	"time"
)

// snapshot is the JSON shape used for crash-recovery serialization.
type snapshot struct {
	Positions []Position    `json:"positions"`
	Intents   []Intent      `json:"intents"`
	Trades    []TradeRecord `json:"trades"`
	SavedAt   time.Time     `json:"saved_at"`
}

// Serialize captures the full ledger as JSON.
func (s *State) Serialize() ([]byte, error) {
	s.mu.RLock()
	snap := snapshot{
		Positions: make([]Position, 0, len(s.positions)),
		Intents:   make([]Intent, 0, len(s.intents)),
		Trades:    append([]TradeRecord(nil), s.trades...),
		SavedAt:   time.Now(),
	}
	for _, pos := range s.positions {
		snap.Positions = append(snap.Positions, *copyPosition(pos))
	}
	for _, intent := range s.intents {
		snap.Intents = append(snap.Intents, *intent)
	}
	s.mu.RUnlock()

	return json.Marshal(snap)
}

// Deserialize replaces the ledger with a previously serialized snapshot.
func (s *State) Deserialize(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode shadow snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions = make(map[string]*Position, len(snap.Positions))
	for i := range snap.Positions {
		pos := snap.Positions[i]
		s.positions[pos.Symbol] = &pos
	}
	s.intents = make(map[string]*Intent, len(snap.Intents))
	for i := range snap.Intents {
		intent := snap.Intents[i]
		s.intents[intent.SignalID] = &intent
	}
	s.trades = snap.Trades
	if len(s.trades) > s.historySize {
		s.trades = s.trades[len(s.trades)-s.historySize:]
	}

	s.log.Info().
		Int("positions", len(s.positions)).
		Int("intents", len(s.intents)).
		Int("trades", len(s.trades)).
		Msg("Shadow state restored from snapshot")
	return nil
}
