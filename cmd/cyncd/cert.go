package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/cynclan/cyncd/internal/config"
)

// selfSignedValidity is the lifetime of an ephemeral listener
// certificate. Devices never verify the chain, so expiry only matters
// across bridge restarts, which mint a fresh one anyway.
const selfSignedValidity = 10 * 365 * 24 * time.Hour

// loadTLSConfig builds the device listener's TLS configuration. With no
// configured certificate an ephemeral self-signed pair is minted:
// stock firmware requires the TLS handshake but accepts any certificate.
func loadTLSConfig(cfg config.TLSConfig, logger *slog.Logger) (*tls.Config, error) {
	if cfg.Cert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS10, // older firmware tops out below 1.2
		}, nil
	}

	logger.Info("no certificate configured, minting self-signed")

	cert, err := selfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("mint self-signed certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS10,
	}, nil
}

// selfSignedCert mints an in-memory ECDSA P-256 certificate for the
// listener.
func selfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "cyncd"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(selfSignedValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}
