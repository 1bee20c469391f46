// Package provisiontest builds throwaway signing identities and provisioning
// profiles for tests.
package provisiontest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
	gop12 "software.sslmate.com/src/go-pkcs12"
)

type Identity struct {
	Key  *rsa.PrivateKey
	Cert *x509.Certificate
}

// NewIdentity returns a self-signed "iPhone Distribution" certificate for team.
func NewIdentity(t testing.TB, team string) *Identity {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:         "iPhone Distribution: Test (" + team + ")",
			OrganizationalUnit: []string{team},
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return &Identity{Key: key, Cert: cert}
}

// P12 encodes the identity as a password protected PKCS#12 bundle.
func (id *Identity) P12(t testing.TB, password string) []byte {
	t.Helper()
	data, err := gop12.Modern.Encode(id.Key, id.Cert, nil, password)
	if err != nil {
		t.Fatalf("encode p12: %v", err)
	}
	return data
}

type ProfileOptions struct {
	Name    string
	Team    string
	AppID   string // bundle id part of application-identifier, may end in "*"
	Expires time.Time
	Certs   []*x509.Certificate
}

type profilePayload struct {
	Name                        string                 `plist:"Name"`
	TeamIdentifier              []string               `plist:"TeamIdentifier"`
	ApplicationIdentifierPrefix []string               `plist:"ApplicationIdentifierPrefix"`
	Entitlements                map[string]interface{} `plist:"Entitlements"`
	DeveloperCertificates       [][]byte               `plist:"DeveloperCertificates"`
	ExpirationDate              time.Time              `plist:"ExpirationDate"`
	UUID                        string                 `plist:"UUID"`
}

// Profile returns a CMS signed .mobileprovision, signed by id.
func (id *Identity) Profile(t testing.TB, opts ProfileOptions) []byte {
	t.Helper()
	payload := profilePayload{
		Name:                        opts.Name,
		TeamIdentifier:              []string{opts.Team},
		ApplicationIdentifierPrefix: []string{opts.Team},
		Entitlements: map[string]interface{}{
			"application-identifier": opts.Team + "." + opts.AppID,
		},
		ExpirationDate: opts.Expires.UTC().Truncate(time.Second),
		UUID:           "00000000-0000-0000-0000-000000000000",
	}
	for _, c := range opts.Certs {
		payload.DeveloperCertificates = append(payload.DeveloperCertificates, c.Raw)
	}
	content, err := plist.Marshal(payload, plist.XMLFormat)
	if err != nil {
		t.Fatalf("marshal profile: %v", err)
	}
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		t.Fatalf("new signed data: %v", err)
	}
	if err := sd.AddSigner(id.Cert, id.Key, pkcs7.SignerInfoConfig{}); err != nil {
		t.Fatalf("add signer: %v", err)
	}
	out, err := sd.Finish()
	if err != nil {
		t.Fatalf("finish signed data: %v", err)
	}
	return out
}
