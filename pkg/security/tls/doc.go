/*
Package tls provides TLS termination settings for the h2edge frontend.

# Server Configuration

ServerConfig builds the crypto/tls configuration from the security.tls
section. ALPN offers "h2" and "http/1.1" unless overridden, and dynamic
record sizing is disabled because the client handler shapes writes
itself:

	reloader, err := tls.NewCertificateReloader(cfg.CertFile, cfg.KeyFile, logger)
	if err != nil {
		return err
	}
	tlsConfig, err := tls.ServerConfig(cfg, reloader)

# Certificate Reload

The reloader watches the certificate and key with fsnotify and swaps in
the new pair after a short quiet period. A pair that fails to load or
validate is logged and the previous certificate stays in use:

	if err := reloader.Watch(ctx); err != nil {
		return err
	}
	defer reloader.Close()

crypto/tls refuses client-initiated renegotiation; the transport reports
the refused attempt as a renegotiation event to the client handler.
*/
package tls
