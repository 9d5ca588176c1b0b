package httpapi

import (
	"context"

	"github.com/mil-ad/eegmenu/internal/connection"
	"github.com/mil-ad/eegmenu/internal/menu"
)

// Link is the connection side of the core.
type Link interface {
	State() connection.State
	Connect(ctx context.Context) error
	Disconnect()
}

// Menu is the navigation side of the core.
type Menu interface {
	Snapshot() menu.State
	Options() []menu.Option
	Tap(ctx context.Context, id string) error
}

// View is everything a presentation client needs to draw the board.
type View struct {
	Status     connection.Status `json:"status"`
	LastError  string            `json:"last_error,omitempty"`
	Session    string            `json:"session,omitempty"`
	Navigation menu.State        `json:"navigation"`
	Options    []menu.Option     `json:"options"`
}

// Snapshot assembles the current View.
func Snapshot(l Link, m Menu) View {
	st := l.State()
	return View{
		Status:     st.Status,
		LastError:  st.LastError,
		Session:    st.Session,
		Navigation: m.Snapshot(),
		Options:    m.Options(),
	}
}
