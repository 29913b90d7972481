package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

const (
	// DefaultALPNProtocol is the ALPN identifier both ends negotiate.
	DefaultALPNProtocol = "muti-relay/1"

	// DefaultWSPath is the HTTP path the WebSocket transport upgrades on.
	DefaultWSPath = "/tunnel"

	// DefaultWSSubprotocol is the WebSocket subprotocol.
	DefaultWSSubprotocol = "muti-relay/1"
)

// LoadServerTLSConfig loads the relay's certificate. When clientCAFile is
// set, agents must present a certificate signed by it.
func LoadServerTLSConfig(certFile, keyFile, clientCAFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	config := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{DefaultALPNProtocol},
	}

	if clientCAFile != "" {
		pool, err := LoadCAPool(clientCAFile)
		if err != nil {
			return nil, err
		}
		config.ClientCAs = pool
		config.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return config, nil
}

// LoadClientTLSConfig builds the agent's TLS configuration. An empty caFile
// uses the system roots.
func LoadClientTLSConfig(caFile, serverName string, insecure bool) (*tls.Config, error) {
	config := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		NextProtos:         []string{DefaultALPNProtocol},
		ServerName:         serverName,
		InsecureSkipVerify: insecure,
	}

	if caFile != "" {
		pool, err := LoadCAPool(caFile)
		if err != nil {
			return nil, err
		}
		config.RootCAs = pool
	}

	return config, nil
}

// WithClientCertificate adds an agent certificate for mutual TLS.
func WithClientCertificate(config *tls.Config, certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}
	config = config.Clone()
	config.Certificates = append(config.Certificates, cert)
	return config, nil
}

// LoadCAPool loads a CA certificate pool from a file.
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", caFile)
	}

	return pool, nil
}

// GenerateSelfSignedCert generates a self-signed certificate for
// development and tests.
func GenerateSelfSignedCert(commonName string, validFor time.Duration) (certPEM, keyPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"Muti Relay"},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{commonName, "localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return certPEM, keyPEM, nil
}

// GenerateAndSaveCert generates a self-signed certificate and writes it to
// certFile and keyFile.
func GenerateAndSaveCert(certFile, keyFile, commonName string, validFor time.Duration) error {
	certPEM, keyPEM, err := GenerateSelfSignedCert(commonName, validFor)
	if err != nil {
		return err
	}
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate file: %w", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// TLSConfigFromBytes creates a server TLS config from PEM-encoded
// certificate and key.
func TLSConfigFromBytes(certPEM, keyPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{DefaultALPNProtocol},
	}, nil
}

// ClientTLSConfigFromBytes trusts exactly the given PEM certificate.
func ClientTLSConfigFromBytes(caPEM []byte, serverName string) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	return &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{DefaultALPNProtocol},
	}, nil
}

// prepareTLSConfigForDial clones the caller's config and sets ALPN. Without a
// config, dialing only proceeds when verification is explicitly disabled.
func prepareTLSConfigForDial(opts DialOptions, host string) (*tls.Config, error) {
	alpn := opts.ALPNProtocol
	if alpn == "" {
		alpn = DefaultALPNProtocol
	}

	if opts.TLSConfig == nil {
		if !opts.InsecureSkipVerify {
			return nil, fmt.Errorf("TLS config required; set InsecureSkipVerify=true for development only")
		}
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpn},
			MinVersion:         tls.VersionTLS12,
		}, nil
	}

	cfg := opts.TLSConfig.Clone()
	cfg.NextProtos = []string{alpn}
	if cfg.ServerName == "" && host != "" {
		cfg.ServerName = host
	}
	return cfg, nil
}

// prepareTLSConfigForListen makes sure the listener advertises ALPN.
func prepareTLSConfigForListen(opts ListenOptions) *tls.Config {
	cfg := opts.TLSConfig.Clone()
	alpn := opts.ALPNProtocol
	if alpn == "" {
		alpn = DefaultALPNProtocol
	}
	if len(cfg.NextProtos) == 0 || opts.ALPNProtocol != "" {
		cfg.NextProtos = []string{alpn}
	}
	return cfg
}
