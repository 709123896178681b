/*
Package security groups the transport security used by h2edge.

# TLS Termination

Subpackage tls builds the server tls.Config from configuration and keeps the
certificate current:

	reloader, err := tls.NewCertificateReloader(cfg.CertFile, cfg.KeyFile, logger)
	if err != nil {
		log.Fatal(err)
	}
	if err := reloader.Watch(ctx); err != nil {
		log.Print(err)
	}

	tlsConfig, err := tls.ServerConfig(cfg, reloader)
	if err != nil {
		log.Fatal(err)
	}

The negotiated ALPN protocol decides whether a client connection is served
as HTTP/2 or HTTP/1.1. Renegotiation is refused.
*/
package security
