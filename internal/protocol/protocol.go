// Package protocol decodes the notification frames emitted by the headset.
//
// The device sends one frame per GATT notification:
//
//	[0x00]        menu opened
//	[0x7F]        menu timed out
//	['S', idx]    highlight moved to option idx (1-based)
//	['A', idx]    option idx activated (1-based)
//
// Anything else is ignored. Indices are not checked against the number of
// options here; that is the menu's job.
package protocol

import "fmt"

// Kind identifies a navigation event.
type Kind uint8

const (
	MenuOpened Kind = iota + 1
	MenuTimedOut
	IndexChanged
	OptionActivated
)

const (
	frameOpen    = 0x00
	frameTimeout = 0x7F
	tagSelect    = 'S'
	tagActivate  = 'A'
)

func (k Kind) String() string {
	switch k {
	case MenuOpened:
		return "menu-opened"
	case MenuTimedOut:
		return "menu-timed-out"
	case IndexChanged:
		return "index-changed"
	case OptionActivated:
		return "option-activated"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Event is a decoded frame. Index is only meaningful for IndexChanged and
// OptionActivated.
type Event struct {
	Kind  Kind
	Index int
}

func (e Event) String() string {
	switch e.Kind {
	case IndexChanged, OptionActivated:
		return fmt.Sprintf("%s(%d)", e.Kind, e.Index)
	}
	return e.Kind.String()
}

// Decode maps a raw frame to an Event. The second return value is false for
// frames of unknown shape.
func Decode(frame []byte) (Event, bool) {
	switch len(frame) {
	case 1:
		switch frame[0] {
		case frameOpen:
			return Event{Kind: MenuOpened}, true
		case frameTimeout:
			return Event{Kind: MenuTimedOut}, true
		}
	case 2:
		switch frame[0] {
		case tagSelect:
			return Event{Kind: IndexChanged, Index: int(frame[1])}, true
		case tagActivate:
			return Event{Kind: OptionActivated, Index: int(frame[1])}, true
		}
	}
	return Event{}, false
}

// Encode is the inverse of Decode. It is used by test fixtures and the
// simulated link.
func Encode(e Event) []byte {
	switch e.Kind {
	case MenuOpened:
		return []byte{frameOpen}
	case MenuTimedOut:
		return []byte{frameTimeout}
	case IndexChanged:
		return []byte{tagSelect, byte(e.Index)}
	case OptionActivated:
		return []byte{tagActivate, byte(e.Index)}
	}
	return nil
}
