package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/dmitrijs2005/sessionkeeper/internal/client/client"
	"github.com/dmitrijs2005/sessionkeeper/internal/common"
)

// getSimpleText and getPassword are indirections used to facilitate testing.
// They point to interactive input helpers and can be swapped in tests.
var getSimpleText = GetSimpleText
var getPassword = GetPassword

// Login prompts the user for credentials and starts a new session.
//
// An unreachable server switches the App to ModeOffline and leaves the user
// logged out. The password is wiped before returning. Rejected credentials
// are reported and returned.
func (a *App) Login(ctx context.Context) error {
	email, err := getSimpleText(a.reader, "Enter email", os.Stdout)
	if err != nil {
		return err
	}

	password, err := getPassword(os.Stdout)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	err = a.authService.Login(ctx, email, string(password))
	switch {
	case errors.Is(err, client.ErrUnavailable):
		log.Printf("Server unavailable, try again later")
		a.setMode(ModeOffline)
		return err
	case err != nil:
		log.Printf("Login unsuccessfull: %s", err.Error())
		return err
	}

	log.Printf("Login successfull")
	a.email = email
	a.setMode(ModeOnline)
	return nil
}

// Resume restores a cached session, if there is one.
func (a *App) Resume(ctx context.Context) error {
	email, err := a.authService.Resume(ctx)
	if err != nil {
		return err
	}
	log.Printf("Resumed session of %s", email)
	a.email = email
	return nil
}

// WhoAmI prints the principal the server associates with the session.
// A session the server no longer accepts logs the user out locally.
func (a *App) WhoAmI(ctx context.Context) error {
	id, err := a.authService.WhoAmI(ctx)
	if err != nil {
		a.reportSessionError(err)
		return err
	}
	fmt.Printf("Principal: %s\nEmail:     %s\n", id.PrincipalID, id.Email)
	return nil
}

// Refresh rotates the session credentials explicitly.
func (a *App) Refresh(ctx context.Context) error {
	expiresAt, err := a.authService.Refresh(ctx)
	if err != nil {
		a.reportSessionError(err)
		return err
	}
	fmt.Printf("Session renewed until %s\n", expiresAt.Local().Format("2006-01-02 15:04:05"))
	return nil
}

// Logout terminates the session on the server and wipes the local cache.
func (a *App) Logout(ctx context.Context) error {
	if err := a.authService.Logout(ctx); err != nil {
		log.Printf("Logout failed: %s", err.Error())
		return err
	}
	a.email = ""
	fmt.Println("Logged out")
	return nil
}

func (a *App) reportSessionError(err error) {
	switch {
	case errors.Is(err, client.ErrUnauthorized):
		log.Printf("Session is no longer valid, please log in again")
		a.email = ""
	case errors.Is(err, client.ErrUnavailable):
		log.Printf("Server unavailable")
		a.setMode(ModeOffline)
	default:
		log.Printf("Request failed: %s", err.Error())
	}
}
