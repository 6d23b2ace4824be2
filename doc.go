// Package broker is a delegated OAuth 2.0 authorization broker. It
// authenticates OAuth clients by federating identity verification to an
// external identity provider, then issues its own single-use authorization
// codes and opaque bearer tokens that gate a protected resource surface.
//
// All state lives in a shared TTL key-value store (see the storage package),
// so every request is independently routable: no replica holds session
// affinity. PKCE (S256 only) binds codes to the requesting client; a bearer
// validation gate enforces origin allow-listing, rate limiting, and token
// lookup in front of the resource handler.
//
// Typical wiring:
//
//	kv := memory.New()
//	srv, _ := server.New(&server.Config{Issuer: "https://auth.example.com"}, kv, provider, logger)
//	h := broker.NewHandler(srv, logger)
//
//	mux := http.NewServeMux()
//	h.Routes(mux)
//	mux.Handle("/resource", h.Protect(resourceHandler))
package broker
