package stream

import (
	"crypto/x509"
	"fmt"
	"os"
)

func loadCAFile(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("stream: reading CA file %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("stream: no valid certificates found in %s", path)
	}
	return pool, nil
}
