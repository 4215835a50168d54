package core

import (
	"crypto/tls"

	"tlsnc/config"
	"tlsnc/internal/certs"
	"tlsnc/util"
)

// clientTLS builds the client side configuration.  The server name
// defaults to the dialed host; reloader, when set, supplies a client
// certificate.
func clientTLS(cfg *config.Config, reloader *certs.Reloader) (*tls.Config, error) {
	minVersion, err := certs.ParseVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}
	tc := &tls.Config{
		MinVersion:         minVersion,
		ServerName:         cfg.ServerName,
		NextProtos:         cfg.ALPN,
		InsecureSkipVerify: cfg.Insecure, //nolint:gosec // -k
	}
	if tc.ServerName == "" {
		tc.ServerName = cfg.Host
	}
	if cfg.CAFile != "" {
		if tc.RootCAs, err = certs.LoadPool(cfg.CAFile); err != nil {
			return nil, err
		}
	}
	if reloader != nil {
		tc.GetClientCertificate = reloader.GetClientCertificate
	}
	return tc, nil
}

// serverTLS builds the listener side configuration.  Without a
// certificate a throwaway self-signed one is generated; a CA file turns
// on mandatory client certificates.
func serverTLS(cfg *config.Config, reloader *certs.Reloader, logger *util.Logger) (*tls.Config, error) {
	minVersion, err := certs.ParseVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}
	tc := &tls.Config{
		MinVersion: minVersion,
		NextProtos: cfg.ALPN,
	}

	if reloader != nil {
		tc.GetCertificate = reloader.GetCertificate
	} else {
		cert, _, err := certs.SelfSigned("localhost", "127.0.0.1", "::1")
		if err != nil {
			return nil, err
		}
		logger.Warn("no --cert given; serving a self-signed certificate for localhost")
		tc.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		if tc.ClientCAs, err = certs.LoadPool(cfg.CAFile); err != nil {
			return nil, err
		}
		tc.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tc, nil
}
