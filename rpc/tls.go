package rpc

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"sync"

	"git.tatikoma.dev/corpix/startif/errors"
)

// CertificateManager serves the last successfully loaded key pair, so
// certificates can be rotated without restarting listeners.
type CertificateManager struct {
	mu       sync.RWMutex
	cert     *tls.Certificate
	certFile string
	keyFile  string
}

func (cm *CertificateManager) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.cert, nil
}

func (cm *CertificateManager) GetClientCertificate(_ *tls.CertificateRequestInfo) (*tls.Certificate, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.cert, nil
}

func (cm *CertificateManager) Files() (certFile string, keyFile string) {
	return cm.certFile, cm.keyFile
}

func (cm *CertificateManager) Reload() error {
	cert, err := tls.LoadX509KeyPair(cm.certFile, cm.keyFile)
	if err != nil {
		return errors.Wrapf(err, "failed to load key pair %q, %q", cm.certFile, cm.keyFile)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.cert = &cert

	return nil
}

func NewCertificateManager(certFile, keyFile string) (*CertificateManager, error) {
	cm := &CertificateManager{certFile: certFile, keyFile: keyFile}
	err := cm.Reload()
	if err != nil {
		return nil, err
	}
	return cm, nil
}

// NewTLSConfig requires client certificates signed by the CA at caPath
// when it is not empty.
func NewTLSConfig(caPath string, manager *CertificateManager) (*tls.Config, error) {
	tc := &tls.Config{
		MinVersion:           tls.VersionTLS12,
		MaxVersion:           tls.VersionTLS13,
		NextProtos:           []string{"h2", "http/1.1"},
		GetCertificate:       manager.GetCertificate,
		GetClientCertificate: manager.GetClientCertificate,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
	if caPath == "" {
		return tc, nil
	}

	certPool, err := NewCertPoolFromFile(caPath)
	if err != nil {
		return nil, err
	}
	tc.RootCAs = certPool
	tc.ClientCAs = certPool
	tc.ClientAuth = tls.RequireAndVerifyClientCert
	return tc, nil
}

func NewCertPoolFromFile(caPath string) (*x509.CertPool, error) {
	ca, err := os.ReadFile(caPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read CA cert %q", caPath)
	}
	certPool := x509.NewCertPool()
	if ok := certPool.AppendCertsFromPEM(ca); !ok {
		return nil, errors.New("failed to append CA certificate")
	}
	return certPool, nil
}
