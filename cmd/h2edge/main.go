// h2edge is a TLS-terminating HTTP/1.1 and HTTP/2 reverse proxy.
//
// It accepts client connections on one port, decides per connection
// whether the client speaks HTTP/1.1 or HTTP/2 (ALPN on TLS, the client
// preface or an h2c upgrade on cleartext) and forwards every request to a
// single backend through a pooled set of backend connections.
//
// Usage:
//
//	# Start the proxy with the default configuration file
//	h2edge run
//
//	# Start with a custom configuration file
//	h2edge run --config /etc/h2edge/config.yaml
//
//	# Check a configuration file and its certificates
//	h2edge check --config config.yaml
//
//	# Show the most recent access log records
//	h2edge accesslog tail --limit 20
//
//	# Show version information
//	h2edge version
package main

func main() {
	Execute()
}
