// Package mix selects which message type each probe carries and renders it as
// a FIX tag=value payload.
//
// Selection is a smooth weighted round-robin over the plan's mix entries, so
// any window of W picks (W = sum of weights) contains each type exactly in
// proportion to its weight. The starting position is derived from a seed,
// which keeps runs reproducible while letting sessions interleave differently.
package mix

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// MsgType is a FIX MsgType(35) value.
type MsgType string

const (
	NewOrderSingle     MsgType = "D"
	OrderCancelRequest MsgType = "F"
	OrderCancelReplace MsgType = "G"
	TestRequest        MsgType = "1"
	Heartbeat          MsgType = "0"
)

// Known reports whether t has a payload builder.
func Known(t MsgType) bool {
	_, ok := builders[t]
	return ok
}

// Entry is one weighted message type in a mix. LargeRatio percent of the
// messages of this type are padded to MaxSizeKB.
type Entry struct {
	MsgType    MsgType `yaml:"msg_type" json:"msg_type"`
	Weight     int     `yaml:"weight" json:"weight"`
	LargeRatio int     `yaml:"large_ratio,omitempty" json:"large_ratio,omitempty"`
	MaxSizeKB  int     `yaml:"max_size_kb,omitempty" json:"max_size_kb,omitempty"`
}

// Default is used when a plan does not declare a mix.
var Default = []Entry{{MsgType: NewOrderSingle, Weight: 100}}

var (
	ErrEmptyMix    = errors.New("mix: no entries with positive weight")
	ErrUnknownType = errors.New("mix: unknown message type")
)

// Message is a rendered probe payload.
type Message struct {
	Type    MsgType
	Payload []byte
	Large   bool
}

// Header carries the per-message values a payload needs. Fields overrides
// order parameters by name; see OrderFields.
type Header struct {
	BeginString   string
	SenderCompID  string
	TargetCompID  string
	CorrelationID string
	SendingTime   time.Time
	Fields        map[string]string
}

// OrderFields maps the order parameter names accepted in Header.Fields to
// their FIX tags.
var OrderFields = map[string]int{
	"account": 1,
	"qty":     38,
	"price":   44,
	"side":    54,
	"symbol":  55,
}

func (h Header) field(name, def string) string {
	if v := h.Fields[name]; v != "" {
		return v
	}
	return def
}

type slot struct {
	entry   Entry
	current int
	picked  int
}

// Selector is safe for concurrent use.
type Selector struct {
	mu    sync.Mutex
	slots []slot
	total int
	seq   int64
}

// NewSelector validates entries and positions the round-robin according to
// seed.
func NewSelector(entries []Entry, seed uint64) (*Selector, error) {
	if len(entries) == 0 {
		entries = Default
	}
	s := &Selector{}
	for _, e := range entries {
		if !Known(e.MsgType) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.MsgType)
		}
		if e.Weight <= 0 {
			continue
		}
		s.slots = append(s.slots, slot{entry: e})
		s.total += e.Weight
	}
	if s.total == 0 {
		return nil, ErrEmptyMix
	}
	for i := uint64(0); i < seed%uint64(s.total); i++ {
		s.pick()
	}
	return s, nil
}

func (s *Selector) pick() *slot {
	var best *slot
	for i := range s.slots {
		sl := &s.slots[i]
		sl.current += sl.entry.Weight
		if best == nil || sl.current > best.current {
			best = sl
		}
	}
	best.current -= s.total
	return best
}

// Next picks the next message type and renders its payload.
func (s *Selector) Next(h Header) Message {
	s.mu.Lock()
	sl := s.pick()
	n := sl.picked
	sl.picked++
	s.seq++
	seq := s.seq
	entry := sl.entry
	s.mu.Unlock()

	// Spread large messages evenly: message n is large when the running
	// quota floor(n*ratio/100) steps up.
	large := entry.LargeRatio > 0 && entry.MaxSizeKB > 0 &&
		(n+1)*entry.LargeRatio/100 > n*entry.LargeRatio/100

	pad := 0
	if large {
		pad = entry.MaxSizeKB * 1024
	}
	return Message{
		Type:    entry.MsgType,
		Payload: render(entry.MsgType, h, seq, pad),
		Large:   large,
	}
}
