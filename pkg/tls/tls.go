// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tls loads client TLS and DTLS configurations for outbound
// distributor connections.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"

	"github.com/pion/dtls/v3"
)

var (
	errLoadCerts      = errors.New("failed to load certificates")
	errLoadCA         = errors.New("failed to load CA")
	errAppendCA       = errors.New("failed to append root CA")
	errPartialKeyPair = errors.New("cert_file and key_file must be set together")
	errUnsupportedTLS = errors.New("unsupported tls configuration")
)

// Config describes the client side of a TLS or DTLS connection. A zero
// Config verifies the peer against the system roots.
type Config struct {
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// TLSConfig is the set of configuration types Load can produce.
type TLSConfig interface {
	*tls.Config | *dtls.Config
}

// Load returns a TLS or DTLS client configuration. A nil Config yields a
// nil result and no error.
func Load[sc TLSConfig](c *Config) (sc, error) {
	var zero sc
	if c == nil {
		return zero, nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return zero, errPartialKeyPair
	}

	var certs []tls.Certificate
	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return zero, errors.Join(errLoadCerts, err)
		}
		certs = append(certs, cert)
	}

	roots, err := loadPool(c.CAFile)
	if err != nil {
		return zero, err
	}

	switch any(zero).(type) {
	case *tls.Config:
		config := &tls.Config{
			MinVersion:         tls.VersionTLS12,
			Certificates:       certs,
			RootCAs:            roots,
			ServerName:         c.ServerName,
			InsecureSkipVerify: c.InsecureSkipVerify,
		}
		return any(config).(sc), nil
	case *dtls.Config:
		config := &dtls.Config{
			CipherSuites: []dtls.CipherSuiteID{
				dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				dtls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				dtls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			},
			Certificates:       certs,
			RootCAs:            roots,
			ServerName:         c.ServerName,
			InsecureSkipVerify: c.InsecureSkipVerify,
		}
		return any(config).(sc), nil
	default:
		return zero, errUnsupportedTLS
	}
}

// SecurityStatus describes a configuration for logging.
func SecurityStatus[sc TLSConfig](s sc) string {
	if s == nil {
		return "no TLS"
	}
	switch c := any(s).(type) {
	case *tls.Config:
		ret := "TLS"
		if len(c.Certificates) > 0 {
			ret += " with client certificate"
		}
		if c.InsecureSkipVerify {
			ret += " (unverified)"
		}
		return ret
	case *dtls.Config:
		if c.PSK != nil {
			return "DTLS PSK"
		}
		return "DTLS"
	default:
		return "no TLS"
	}
}

func loadPool(file string) (*x509.CertPool, error) {
	if file == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Join(errLoadCA, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errAppendCA
	}
	return pool, nil
}
