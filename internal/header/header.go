// Package header models FITS-style metadata cards as an immutable value.
//
// Every amendment returns a fresh Header. Two headers never share their card
// slice, so a stage can annotate its output without touching the input's metadata.
package header

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Card is one key/value/comment entry.
type Card struct {
	Key     string
	Value   any
	Comment string
}

// Header is an ordered list of cards. The zero value is an empty header.
type Header struct {
	cards []Card
}

// New builds a header from cards. Later duplicates replace earlier ones in place.
func New(cards ...Card) Header {
	var h Header
	for _, c := range cards {
		h = h.With(c.Key, c.Value, c.Comment)
	}
	return h
}

func normalize(key string) string { return strings.ToUpper(strings.TrimSpace(key)) }

func (h Header) index(key string) int {
	key = normalize(key)
	for i, c := range h.cards {
		if c.Key == key {
			return i
		}
	}
	return -1
}

// Len returns the number of cards.
func (h Header) Len() int { return len(h.cards) }

// Cards returns a copy of the cards in order.
func (h Header) Cards() []Card {
	out := make([]Card, len(h.cards))
	copy(out, h.cards)
	return out
}

// Has reports whether key is present.
func (h Header) Has(key string) bool { return h.index(key) >= 0 }

// Get returns the card for key.
func (h Header) Get(key string) (Card, bool) {
	i := h.index(key)
	if i < 0 {
		return Card{}, false
	}
	return h.cards[i], true
}

// Comment returns the comment for key or "".
func (h Header) Comment(key string) string {
	c, _ := h.Get(key)
	return c.Comment
}

// With returns a copy of h with key set. An existing card keeps its position and,
// when comment is empty, its comment.
func (h Header) With(key string, value any, comment string) Header {
	key = normalize(key)
	out := Header{cards: make([]Card, len(h.cards), len(h.cards)+1)}
	copy(out.cards, h.cards)
	if i := h.index(key); i >= 0 {
		if comment == "" {
			comment = out.cards[i].Comment
		}
		out.cards[i] = Card{Key: key, Value: value, Comment: comment}
		return out
	}
	out.cards = append(out.cards, Card{Key: key, Value: value, Comment: comment})
	return out
}

// Without returns a copy of h with key removed.
func (h Header) Without(key string) Header {
	i := h.index(key)
	out := Header{cards: make([]Card, 0, len(h.cards))}
	for j, c := range h.cards {
		if j != i {
			out.cards = append(out.cards, c)
		}
	}
	return out
}

// Merge returns h amended with every card of other.
func (h Header) Merge(other Header) Header {
	out := Header{cards: h.Cards()}
	for _, c := range other.cards {
		out = out.With(c.Key, c.Value, c.Comment)
	}
	return out
}

// String returns the value for key formatted as text.
func (h Header) String(key string) (string, bool) {
	c, ok := h.Get(key)
	if !ok {
		return "", false
	}
	switch v := c.Value.(type) {
	case string:
		return v, true
	case nil:
		return "", true
	default:
		return fmt.Sprint(v), true
	}
}

// Float returns the value for key as float64, parsing strings when needed.
func (h Header) Float(key string) (float64, bool) {
	c, ok := h.Get(key)
	if !ok {
		return 0, false
	}
	return toFloat(c.Value)
}

// Int returns the value for key as an int. Floats must be integral.
func (h Header) Int(key string) (int, bool) {
	f, ok := h.Float(key)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint8:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}
