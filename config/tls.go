package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/tolelom/modality/crypto/certgen"
)

// LoadTLSConfig builds a *tls.Config from the PEM paths in cfg.
// If cfg is nil or all paths are empty it returns (nil, nil), meaning
// the caller should fall back to plain TCP.
func LoadTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil || (cfg.CACert == "" && cfg.NodeCert == "" && cfg.NodeKey == "") {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.NodeCert, cfg.NodeKey)
	if err != nil {
		return nil, fmt.Errorf("load node cert/key: %w", err)
	}

	caPEM, err := os.ReadFile(cfg.CACert)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		RootCAs:      caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// EnsureTLSMaterial self-signs a CA and node certificate/key pair into
// cfg's three configured paths when cfg.AutoGenerate is set and the node
// cert is not already present, so a fresh node directory can run mTLS
// without an operator provisioning certificates by hand. extraIPs/extraDNS
// are threaded through to certgen.GenerateAll as additional SANs (e.g. a
// node's externally reachable address).
func EnsureTLSMaterial(cfg *TLSConfig, nodeID string, extraIPs []net.IP, extraDNS []string) error {
	if cfg == nil || !cfg.AutoGenerate {
		return nil
	}
	if _, err := os.Stat(cfg.NodeCert); err == nil {
		return nil
	}
	dir := filepath.Dir(cfg.NodeCert)
	if err := certgen.GenerateAll(dir, nodeID, &certgen.Options{ExtraIPs: extraIPs, ExtraDNS: extraDNS}); err != nil {
		return fmt.Errorf("generate tls material: %w", err)
	}
	generatedCA := filepath.Join(dir, "ca.crt")
	generatedCert := filepath.Join(dir, nodeID+".crt")
	generatedKey := filepath.Join(dir, nodeID+".key")
	if cfg.CACert != generatedCA {
		if err := copyFile(generatedCA, cfg.CACert); err != nil {
			return fmt.Errorf("place generated ca cert: %w", err)
		}
	}
	if cfg.NodeCert != generatedCert {
		if err := copyFile(generatedCert, cfg.NodeCert); err != nil {
			return fmt.Errorf("place generated node cert: %w", err)
		}
	}
	if cfg.NodeKey != generatedKey {
		if err := copyFile(generatedKey, cfg.NodeKey); err != nil {
			return fmt.Errorf("place generated node key: %w", err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0600)
}
