package stack

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cloudwebrtc/go-sip-uag/pkg/ua"
	"github.com/ghettovoice/gosip/transport"
)

var (
	selfSignedOnce sync.Once
	selfSigned     *transport.TLSConfig
	selfSignedErr  error
)

// tlsOptions turns the shared TLS context into listener options. Without a
// certificate a self-signed one is generated once per process.
func (s *SipStack) tlsOptions(conf *ua.TLSConfig) (*transport.TLSConfig, error) {
	if conf != nil && conf.Cert != "" {
		key := conf.Key
		if key == "" {
			key = conf.Cert
		}
		return &transport.TLSConfig{Cert: conf.Cert, Key: key}, nil
	}

	selfSignedOnce.Do(func() {
		dir, err := os.MkdirTemp("", "uag-tls")
		if err != nil {
			selfSignedErr = err
			return
		}
		certFile := filepath.Join(dir, "cert.pem")
		keyFile := filepath.Join(dir, "key.pem")
		if err := WriteSelfSigned(certFile, keyFile, "localhost"); err != nil {
			selfSignedErr = err
			return
		}
		s.log.Warnf("no TLS certificate configured, using self-signed %s", certFile)
		selfSigned = &transport.TLSConfig{Cert: certFile, Key: keyFile}
	})
	return selfSigned, selfSignedErr
}

// WriteSelfSigned writes a PEM encoded self-signed certificate and its
// private key for host.
func WriteSelfSigned(certFile, keyFile, host string) error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: host},
		DNSNames:              []string{host},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}
	keyDer, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}

	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil {
		return err
	}
	return os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDer}), 0o600)
}
