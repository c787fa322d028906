package tracking

import (
	"sync"
	"time"
)

// DecisionKind is what happened to an item.
type DecisionKind string

const (
	DecisionAdded           DecisionKind = "added"
	DecisionRemoved         DecisionKind = "removed"
	DecisionSubstituted     DecisionKind = "substituted"
	DecisionQuantityChanged DecisionKind = "quantity_changed"
	DecisionKept            DecisionKind = "kept"
)

// DecisionReasoning explains one item-affecting decision.
type DecisionReasoning struct {
	ItemID     string       `json:"item_id"`
	ItemName   string       `json:"item_name,omitempty"`
	Decision   DecisionKind `json:"decision"`
	Reasoning  string       `json:"reasoning"`
	Factors    []Factor     `json:"factors,omitempty"`
	Confidence float64      `json:"confidence"`
	Source     string       `json:"source"`
	Timestamp  time.Time    `json:"timestamp"`
}

// NewDecision stamps and clamps a decision record.
func NewDecision(source string, kind DecisionKind, itemID, itemName, reasoning string, confidence float64, factors ...Factor) DecisionReasoning {
	return DecisionReasoning{
		ItemID:     itemID,
		ItemName:   itemName,
		Decision:   kind,
		Reasoning:  reasoning,
		Factors:    factors,
		Confidence: Clamp(confidence),
		Source:     source,
		Timestamp:  time.Now(),
	}
}

// ReasoningLog is an append-only decision list safe for concurrent use.
type ReasoningLog struct {
	mu      sync.RWMutex
	entries []DecisionReasoning
}

func (l *ReasoningLog) Append(d DecisionReasoning) {
	l.mu.Lock()
	l.entries = append(l.entries, d)
	l.mu.Unlock()
}

// Entries returns a copy in append order.
func (l *ReasoningLog) Entries() []DecisionReasoning {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]DecisionReasoning, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *ReasoningLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// ForItem returns the decisions about one item, oldest first.
func (l *ReasoningLog) ForItem(itemID string) []DecisionReasoning {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []DecisionReasoning
	for _, d := range l.entries {
		if d.ItemID == itemID {
			out = append(out, d)
		}
	}
	return out
}
