package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/mil-ad/eegmenu/internal/link/linktest"
	"github.com/mil-ad/eegmenu/internal/protocol"
)

// simScript is one browsing session: open the menu, walk to the last
// option, choose it, then let the menu time out.
var simScript = []protocol.Event{
	{Kind: protocol.MenuOpened},
	{Kind: protocol.IndexChanged, Index: 1},
	{Kind: protocol.IndexChanged, Index: 2},
	{Kind: protocol.IndexChanged, Index: 3},
	{Kind: protocol.IndexChanged, Index: 4},
	{Kind: protocol.IndexChanged, Index: 5},
	{Kind: protocol.IndexChanged, Index: 6},
	{Kind: protocol.OptionActivated, Index: 6},
	{Kind: protocol.MenuTimedOut},
}

// simulate plays simScript in a loop on the fake headset. Frames are only
// emitted while something is subscribed; the script resumes where it left
// off after a reconnect.
func simulate(ctx context.Context, a *linktest.Adapter, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	next := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ev := simScript[next]
		if !a.Notify(protocol.Encode(ev)) {
			continue
		}
		logger.Debug("simulated frame", "event", ev.String())
		next = (next + 1) % len(simScript)
	}
}
