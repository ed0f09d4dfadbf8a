package main

import (
	"fmt"
	"os"

	"github.com/vinayprograms/unfold/internal/replay"
	"github.com/vinayprograms/unfold/internal/session"
)

// Run replays a saved session timeline.
func (c *ReplayCmd) Run() error {
	_, store, err := openStore(c.Config)
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := session.Resolve(store, c.ID)
	if err != nil {
		return err
	}
	r := replay.New(os.Stdout, c.Verbose)

	if c.Follow {
		fs, ok := store.(*session.FileStore)
		if !ok {
			return fmt.Errorf("--follow needs the jsonl session store")
		}
		id := sess.ID
		return r.PageLive(fs.Path(id), func() (*session.Session, error) { return fs.Load(id) })
	}

	// Use interactive pager when stdout is a TTY and not disabled
	if !c.NoPager && isTerminal(os.Stdout) {
		return r.Page(sess)
	}
	return r.Replay(sess)
}
