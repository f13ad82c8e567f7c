package api

import (
	"errors"
	"net/http"

	"github.com/gridstone/docnotify/internal/notify"
)

// HeaderUserResolver resolves the calling user from the X-User-Id header,
// set by the fronting proxy after it validates the session. Deployments
// with their own session store plug in a different resolver.
func HeaderUserResolver(dir notify.Directory) UserResolver {
	return func(r *http.Request) (*notify.User, error) {
		id := r.Header.Get("X-User-Id")
		if id == "" {
			return nil, errors.New("missing X-User-Id header")
		}
		return dir.User(r.Context(), id)
	}
}
