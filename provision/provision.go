// Package provision inspects the signing inputs before they are handed to
// the native toolchain, so a wrong passphrase or a mismatched profile is
// reported with a clear message instead of an opaque tool exit status.
package provision

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
	gop12 "software.sslmate.com/src/go-pkcs12"
)

var (
	ErrCertificate      = errors.New("invalid certificate")
	ErrProfile          = errors.New("invalid provisioning profile")
	ErrProfileExpired   = errors.New("provisioning profile has expired")
	ErrCertMismatch     = errors.New("certificate does not match provisioning profile")
	ErrBundleIDMismatch = errors.New("bundle id not covered by provisioning profile")
)

// Profile holds the fields of a .mobileprovision payload the service checks.
type Profile struct {
	Name                        string                 `plist:"Name"`
	TeamIdentifier              []string               `plist:"TeamIdentifier"`
	ApplicationIdentifierPrefix []string               `plist:"ApplicationIdentifierPrefix"`
	Entitlements                map[string]interface{} `plist:"Entitlements"`
	DeveloperCertificates       [][]byte               `plist:"DeveloperCertificates"`
	ExpirationDate              time.Time              `plist:"ExpirationDate"`
	UUID                        string                 `plist:"UUID"`
}

// ParseProfile unwraps the CMS container of a .mobileprovision file and
// decodes its plist payload. The CMS signature is not verified.
func ParseProfile(data []byte) (*Profile, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: parse PKCS#7 container: %w", ErrProfile, err)
	}
	var p Profile
	if _, err := plist.Unmarshal(p7.Content, &p); err != nil {
		return nil, fmt.Errorf("%w: parse plist: %w", ErrProfile, err)
	}
	return &p, nil
}

func (p *Profile) TeamID() string {
	if len(p.TeamIdentifier) > 0 {
		return p.TeamIdentifier[0]
	}
	if len(p.ApplicationIdentifierPrefix) > 0 {
		return p.ApplicationIdentifierPrefix[0]
	}
	return ""
}

// ApplicationIdentifier is the "TEAMID.bundle.id" entitlement, possibly
// ending in a wildcard.
func (p *Profile) ApplicationIdentifier() string {
	if id, ok := p.Entitlements["application-identifier"].(string); ok {
		return id
	}
	return ""
}

func (p *Profile) IsExpired(now time.Time) bool {
	return now.After(p.ExpirationDate)
}

// Covers reports whether a bundle id may be signed with this profile.
func (p *Profile) Covers(bundleID string) bool {
	appID := p.ApplicationIdentifier()
	if appID == "" {
		return false
	}
	if team := p.TeamID(); team != "" {
		appID = strings.TrimPrefix(appID, team+".")
	}
	if appID == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(appID, "*"); ok {
		return strings.HasPrefix(bundleID, prefix)
	}
	return appID == bundleID
}

func (p *Profile) Contains(cert *x509.Certificate) bool {
	for _, der := range p.DeveloperCertificates {
		pc, err := x509.ParseCertificate(der)
		if err != nil {
			continue
		}
		if cert.Equal(pc) {
			return true
		}
	}
	return false
}

// LoadCertificate decrypts a .p12 bundle and returns its leaf certificate.
// A wrong passphrase is reported as ErrCertificate.
func LoadCertificate(p12 []byte, password string) (*x509.Certificate, error) {
	_, cert, _, err := gop12.DecodeChain(p12, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertificate, err)
	}
	return cert, nil
}

// Check validates that the certificate and profile can sign bundleID at now.
func Check(p12 []byte, password string, profileData []byte, bundleID string, now time.Time) (*Profile, error) {
	cert, err := LoadCertificate(p12, password)
	if err != nil {
		return nil, err
	}
	profile, err := ParseProfile(profileData)
	if err != nil {
		return nil, err
	}
	if profile.IsExpired(now) {
		return profile, fmt.Errorf("%w: %s expired %s", ErrProfileExpired, profile.Name, profile.ExpirationDate.Format(time.RFC3339))
	}
	if !profile.Contains(cert) {
		return profile, fmt.Errorf("%w: %s", ErrCertMismatch, cert.Subject.CommonName)
	}
	if !profile.Covers(bundleID) {
		return profile, fmt.Errorf("%w: %s vs %s", ErrBundleIDMismatch, bundleID, profile.ApplicationIdentifier())
	}
	return profile, nil
}
