// Package feedback plays the sounds that confirm navigation and selection.
// Playback is fire-and-forget: failures are logged and never reported to
// the caller.
package feedback

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// Log only records what would have been played. It is used when no player
// binary is configured.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Play(soundID string) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("feedback sound", "sound", soundID)
}

// Command plays sounds by running an external player, e.g. "paplay" or
// "mpg123 -q", with the sound file appended as the last argument.
type Command struct {
	Program string
	Args    []string
	Dir     string
	Timeout time.Duration
	Logger  *slog.Logger

	wg sync.WaitGroup
}

// NewCommand returns a Command player rooted at dir.
func NewCommand(program string, args []string, dir string, logger *slog.Logger) *Command {
	if logger == nil {
		logger = slog.Default()
	}
	return &Command{
		Program: program,
		Args:    args,
		Dir:     dir,
		Timeout: 10 * time.Second,
		Logger:  logger.With("component", "feedback"),
	}
}

// Play starts the player in the background and returns immediately.
func (c *Command) Play(soundID string) {
	path := filepath.Join(c.Dir, filepath.Base(soundID))
	args := append(append([]string(nil), c.Args...), path)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
		defer cancel()
		out, err := exec.CommandContext(ctx, c.Program, args...).CombinedOutput()
		if err != nil {
			c.Logger.Warn("play failed", "sound", soundID, "error", err, "output", string(out))
			return
		}
		c.Logger.Debug("played", "sound", soundID)
	}()
}

// Wait blocks until every started playback has finished.
func (c *Command) Wait() {
	c.wg.Wait()
}
