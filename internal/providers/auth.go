package providers

import (
	"net/http"
)

// SimpleAPIKeyAuth puts a static credential in a request header.
type SimpleAPIKeyAuth struct {
	header string
	prefix string
}

// NewBearerAuth returns the Authorization: Bearer scheme used by the gateway.
func NewBearerAuth() SimpleAPIKeyAuth {
	return SimpleAPIKeyAuth{header: "Authorization", prefix: "Bearer "}
}

// Apply sets the header for credential on req.
func (a SimpleAPIKeyAuth) Apply(req *http.Request, credential string) {
	req.Header.Set(a.header, a.prefix+credential)
}
