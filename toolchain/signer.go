// Package toolchain drives the native macOS signing tools. Nothing here
// touches certificate or package bytes; correctness of the signature is left
// entirely to `security` and `xcrun`.
package toolchain

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	SecurityTool = "security"
	XcrunTool    = "xcrun"

	// Tools granted access to the imported key.
	CodesignPath = "/usr/bin/codesign"
	XcrunPath    = "/usr/bin/xcrun"

	Platform = "iphone"
)

var (
	ErrKeychain         = errors.New("keychain creation failed")
	ErrCredentialImport = errors.New("certificate import failed")
	ErrSigning          = errors.New("signing process failed")
)

// Request names the staged inputs of one signing run. KeychainPath must not
// exist yet; it is created and deleted by Sign.
type Request struct {
	P12Path      string
	Password     string
	ProfilePath  string
	IPAPath      string
	OutputPath   string
	KeychainPath string
}

type Signer struct {
	runner Runner
	log    *zap.Logger
}

func NewSigner(runner Runner, log *zap.Logger) *Signer {
	if runner == nil {
		runner = ExecRunner{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Signer{runner: runner, log: log}
}

// Sign imports the certificate into a fresh keychain, runs altool against the
// package and deletes the keychain again on every path.
func (s *Signer) Sign(ctx context.Context, req Request) error {
	keychainPass := uuid.NewString()

	create := Command{
		Name:       SecurityTool,
		Args:       []string{"create-keychain", "-p", keychainPass, req.KeychainPath},
		SecretArgs: []int{2},
	}
	if err := s.run(ctx, create); err != nil {
		return fmt.Errorf("%w: %w", ErrKeychain, err)
	}
	defer s.deleteKeychain(req.KeychainPath)

	imp := Command{
		Name: SecurityTool,
		Args: []string{
			"import", req.P12Path,
			"-k", req.KeychainPath,
			"-P", req.Password,
			"-T", CodesignPath,
			"-T", XcrunPath,
		},
		SecretArgs: []int{5},
	}
	if err := s.run(ctx, imp); err != nil {
		return fmt.Errorf("%w: %w", ErrCredentialImport, err)
	}

	sign := Command{
		Name: XcrunTool,
		Args: []string{
			"altool", "--sign", Platform,
			"--input", req.IPAPath,
			"--output", req.OutputPath,
			"--provisioning-profile", req.ProfilePath,
		},
	}
	if err := s.run(ctx, sign); err != nil {
		return fmt.Errorf("%w: %w", ErrSigning, err)
	}
	return nil
}

func (s *Signer) run(ctx context.Context, cmd Command) error {
	s.log.Debug("exec", zap.Stringer("cmd", cmd))
	_, err := s.runner.Run(ctx, cmd)
	return err
}

// deleteKeychain runs detached from the request context so a cancelled
// request still removes the imported key.
func (s *Signer) deleteKeychain(path string) {
	del := Command{Name: SecurityTool, Args: []string{"delete-keychain", path}}
	if err := s.run(context.Background(), del); err != nil {
		s.log.Warn("delete keychain", zap.String("keychain", path), zap.Error(err))
	}
}
