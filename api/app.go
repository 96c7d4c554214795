// Package api exposes the task HTTP surface and the live-update channel.
package api

import (
	log "github.com/sirupsen/logrus"

	"tasksync/domain"
	"tasksync/storage"
	"tasksync/subscription"
)

// App carries the collaborators every handler needs. It is built once at
// startup, after the store, and handed to both servers.
type App struct {
	Store       storage.Storage
	Auth        Authenticator
	Broadcaster *subscription.Broadcaster
	Logger      *log.Logger

	// AuthRequired scopes every task operation to the token subject. When
	// false all requests share one global list.
	AuthRequired bool
	// VerboseErrors includes the underlying fault in 500 responses.
	VerboseErrors bool
}

func (a *App) logger() *log.Logger {
	if a.Logger == nil {
		return log.StandardLogger()
	}
	return a.Logger
}

// scopeFor resolves the ownership scope of a request. With auth disabled
// every caller gets the global scope.
func (a *App) scopeFor(authHeader string) (domain.OwnerScope, error) {
	if !a.AuthRequired {
		return domain.Global(), nil
	}
	if a.Auth == nil {
		return domain.OwnerScope{}, domain.ErrUnauthorized
	}
	uid, err := a.Auth.UserIDFromAuthHeader(authHeader)
	if err != nil {
		return domain.OwnerScope{}, err
	}
	return domain.OwnedBy(uid), nil
}
