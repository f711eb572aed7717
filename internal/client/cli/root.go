package cli

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
)

func (a *App) getStatus() string {
	s := ""
	if a.email != "" {
		s = a.email + " "
	}
	if a.Mode != "" {
		s = s + string(a.Mode)
	}
	if s != "" {
		s = fmt.Sprintf("(%s)", s)
	}
	return s
}

// Root resumes a cached session or prompts for a login, starts the
// connectivity watcher and runs the REPL until the user exits.
func (a *App) Root(ctx context.Context) {

	log.Println("Welcome to sessionkeeper CLI (type 'help' for commands)")

	a.probe(ctx)
	if err := a.Resume(ctx); err != nil {
		_ = a.Login(ctx)
	}

	go a.StartOnlineStatusWatcher(ctx, a.config.OnlineCheckInterval)

	runREPL(ctx, a, a.getStatus, bufio.NewScanner(os.Stdin))
}
