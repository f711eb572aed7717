// Package models defines the server-side data models shared by the session
// core, its stores and transports.
package models

import "time"

// Principal is the authenticated subject a credential is issued to.
type Principal struct {
	ID    string
	Email string
}

// User is a principal as stored in the principals table, password hash
// included. It never leaves the users repository and service.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Principal strips the credential material.
func (u *User) Principal() *Principal {
	return &Principal{ID: u.ID, Email: u.Email}
}
