package main

import (
	"fmt"
	"net"
	"strings"
)

// endpointURLs lists the operator-facing addresses of one listener.
type endpointURLs struct {
	HTTP      string
	Websocket string
	GRPC      string
}

// advertisedEndpoints renders the addresses logged at startup.
// 1.- Pick secure schemes when the HTTP listener serves TLS.
// 2.- Rewrite wildcard hosts to localhost so the printed URLs are dialable.
// 3.- Leave the gRPC entry empty when that listener is disabled.
func advertisedEndpoints(httpAddress, grpcAddress string, tlsEnabled bool) endpointURLs {
	urls := endpointURLs{
		HTTP:      listenerURL(httpAddress, tlsEnabled),
		Websocket: websocketURL(httpAddress, tlsEnabled),
	}
	if strings.TrimSpace(grpcAddress) != "" {
		urls.GRPC = "grpc://" + normaliseHostPort(grpcAddress)
	}
	return urls
}

// listenerURL returns the HTTP(S) base URL for a listen address.
func listenerURL(address string, tlsEnabled bool) string {
	scheme := "http"
	if tlsEnabled {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, normaliseHostPort(address))
}

// websocketURL returns the URL observers dial to follow an authority.
func websocketURL(address string, tlsEnabled bool) string {
	scheme := "ws"
	if tlsEnabled {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, normaliseHostPort(address))
}

func normaliseHostPort(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "localhost"
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		if strings.HasPrefix(trimmed, ":") {
			return "localhost" + trimmed
		}
		return trimmed
	}
	switch strings.TrimSpace(host) {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
