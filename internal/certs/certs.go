// Package certs accepts server certificates without validating them and
// remembers what was presented so it can be shown to the user.
package certs

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
)

// AcceptAll appends every presented certificate to out and reports
// whether the connection may proceed. A nil out refuses the connection.
func AcceptAll(presented []*x509.Certificate, out *[]*x509.Certificate) bool {
	if out == nil {
		return false
	}

	*out = append(*out, presented...)

	return true
}

// Fingerprint is the hex SHA-256 of the DER encoding.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// Recorder collects certificates accepted through AcceptAll. Each distinct
// certificate is kept once, however many handshakes present it.
type Recorder struct {
	mu     sync.Mutex
	seen   map[[sha256.Size]byte]struct{}
	certs  []*x509.Certificate
	onNew  func(*x509.Certificate)
	logger *slog.Logger
}

// NewRecorder returns an empty recorder. onNew, if not nil, is called
// once for every certificate the recorder had not seen before.
func NewRecorder(logger *slog.Logger, onNew func(*x509.Certificate)) *Recorder {
	return &Recorder{
		seen:   make(map[[sha256.Size]byte]struct{}),
		onNew:  onNew,
		logger: logger,
	}
}

// VerifyPeerCertificate matches the tls.Config hook. Certificates that
// cannot be parsed fail the handshake.
func (r *Recorder) VerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	presented := make([]*x509.Certificate, 0, len(rawCerts))

	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("parsing peer certificate: %w", err)
		}

		presented = append(presented, cert)
	}

	var accepted []*x509.Certificate
	if !AcceptAll(presented, &accepted) {
		return fmt.Errorf("certificate rejected")
	}

	for _, cert := range r.remember(accepted) {
		r.logger.Warn("accepting unverified certificate",
			slog.String("subject", cert.Subject.String()),
			slog.String("issuer", cert.Issuer.String()),
			slog.String("sha256", Fingerprint(cert)),
		)

		if r.onNew != nil {
			r.onNew(cert)
		}
	}

	return nil
}

// remember stores the certificates not seen before and returns them.
func (r *Recorder) remember(accepted []*x509.Certificate) []*x509.Certificate {
	r.mu.Lock()
	defer r.mu.Unlock()

	var fresh []*x509.Certificate

	for _, cert := range accepted {
		sum := sha256.Sum256(cert.Raw)
		if _, ok := r.seen[sum]; ok {
			continue
		}

		r.seen[sum] = struct{}{}
		r.certs = append(r.certs, cert)
		fresh = append(fresh, cert)
	}

	return fresh
}

// Certificates returns a copy of every distinct certificate accepted so
// far, in the order first seen.
func (r *Recorder) Certificates() []*x509.Certificate {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*x509.Certificate, len(r.certs))
	copy(out, r.certs)

	return out
}

// TLSConfig returns a client configuration that skips chain validation
// and routes every handshake through the recorder.
func (r *Recorder) TLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify:    true, //nolint:gosec // G402: opt-in via INSECURE_ACCEPT_CERTS
		VerifyPeerCertificate: r.VerifyPeerCertificate,
		MinVersion:            tls.VersionTLS12,
	}
}
