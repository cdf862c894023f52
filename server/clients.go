package server

import (
	"webtemplate/auth"
)

// newTokenService builds the auth service. With Redis configured, token
// caches are shared between instances and partitioned per session.
func (a *App) newTokenService() *auth.Service {
	var dist auth.DistributedCache
	if a.Redis != nil {
		dist = a.Redis
	}
	factory := auth.NewClientFactory(a.Config.ClientConfig(), dist, a.Logger)
	return auth.NewService(factory, nil, a.Logger)
}
