// Package tlsverify authenticates upstream replica nodes by certificate
// pinning. There is no certificate authority for replica nodes: a peer
// claiming to be node X is accepted only if the leaf certificate it presents
// is byte-for-byte identical to the certificate registered for X in the
// currently published registry snapshot. The registry is the sole source of
// trust: chain building, expiry and revocation checks are absent.
package tlsverify

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync/atomic"

	"github.com/routegate/routegate/registry"
	"github.com/routegate/routegate/util/logger"
	"github.com/routegate/routegate/util/metrics"
)

// ErrNoSnapshot is returned while no registry snapshot has been published
// yet; verification fails closed.
var ErrNoSnapshot = fmt.Errorf("no registry snapshot published")

// ErrNoCertificate is returned when the peer presented no certificate.
var ErrNoCertificate = fmt.Errorf("peer presented no certificate")

// UnknownNodeError means the claimed node identity does not resolve in the
// current registry snapshot (unknown or since-removed node).
type UnknownNodeError struct {
	NodeID string
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("node %q not found in registry snapshot", e.NodeID)
}

// CertificateMismatchError means the presented leaf certificate differs from
// the pinned certificate for the claimed node. Any difference fails closed,
// including a re-issued certificate with the same key but different encoding.
type CertificateMismatchError struct {
	NodeID string
}

func (e *CertificateMismatchError) Error() string {
	return fmt.Sprintf("certificate presented by node %q does not match the registered one", e.NodeID)
}

// Verifier pins upstream TLS certificates against the published registry
// snapshot, the same snapshot routing decisions are made from.
type Verifier struct {
	published *atomic.Pointer[registry.Snapshot]
	logger    *logger.Logger
}

// New creates a Verifier reading from the given published-snapshot cell.
func New(published *atomic.Pointer[registry.Snapshot]) *Verifier {
	return &Verifier{
		published: published,
		logger:    logger.NewLogger("TlsVerifier"),
	}
}

// Verify checks the raw certificates presented during a handshake against
// the certificate pinned for nodeID. rawCerts[0] is the leaf; any further
// entries are ignored. Expiry, signature chains and revocation are never
// consulted.
func (v *Verifier) Verify(nodeID string, rawCerts [][]byte) error {
	err := v.verify(nodeID, rawCerts)
	if err != nil {
		metrics.RecordTLSVerify("rejected")
		v.logger.Warnf("Rejected TLS peer claiming to be %q: %v", nodeID, err)
		return err
	}
	metrics.RecordTLSVerify("accepted")
	return nil
}

func (v *Verifier) verify(nodeID string, rawCerts [][]byte) error {
	if len(rawCerts) == 0 {
		return ErrNoCertificate
	}
	if len(rawCerts) > 1 {
		// Replica nodes present bare self-signed certificates; a chain is
		// unexpected but not fatal, the pin decides.
		v.logger.Debugf("Peer %q presented %d intermediate certificates, ignoring", nodeID, len(rawCerts)-1)
	}

	snapshot := v.published.Load()
	if snapshot == nil {
		return ErrNoSnapshot
	}

	node, ok := snapshot.Nodes[nodeID]
	if !ok {
		return &UnknownNodeError{NodeID: nodeID}
	}

	if !bytes.Equal(rawCerts[0], node.TLSCertificate) {
		return &CertificateMismatchError{NodeID: nodeID}
	}
	return nil
}

// ClientConfig returns a TLS client configuration for dialing the given
// node. The claimed identity travels as the SNI server name, and the pinning
// check is the sole verification path: InsecureSkipVerify disables the stock
// chain verifier so it cannot silently take over.
func (v *Verifier) ClientConfig(nodeID string) *tls.Config {
	return &tls.Config{
		ServerName:            nodeID,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: v.peerVerifier(nodeID),
		MinVersion:            tls.VersionTLS12,
	}
}

// peerVerifier adapts Verify to the crypto/tls callback signature.
// verifiedChains is always nil because chain verification is disabled.
func (v *Verifier) peerVerifier(nodeID string) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		return v.Verify(nodeID, rawCerts)
	}
}
