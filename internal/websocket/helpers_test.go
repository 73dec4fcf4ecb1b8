package websocket

import "github.com/stemsi/exstem-testengine/internal/identity"

func identityFor(id string) identity.Identity {
	return identity.Identity{ID: id, Token: "tok-" + id}
}
