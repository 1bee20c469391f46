package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/collapsinghierarchy/p12sign/config"
	"github.com/collapsinghierarchy/p12sign/model"
	"github.com/collapsinghierarchy/p12sign/provision"
	"github.com/collapsinghierarchy/p12sign/staging"
	"github.com/collapsinghierarchy/p12sign/store"
	"github.com/collapsinghierarchy/p12sign/toolchain"
)

// DownloadPrefix is the path under which signed packages are served.
const DownloadPrefix = "/download/"

var (
	ErrNotFound       = errors.New("file not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrNoHistory      = errors.New("signing history is not enabled")
)

// Fetcher downloads one remote artifact to a local path.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) error
}

// Signer runs the native toolchain over staged inputs.
type Signer interface {
	Sign(ctx context.Context, req toolchain.Request) error
}

type Service struct {
	Store   store.Store // optional audit log
	fetcher Fetcher
	signer  Signer
	staging *staging.Area
	output  *staging.Output
	cfg     config.Config
	log     *zap.Logger
	now     func() time.Time
}

type Option func(*Service)

func WithStore(st store.Store) Option { return func(s *Service) { s.Store = st } }

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.log = l } }

// WithClock overrides time.Now, used for profile expiry and audit timestamps.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// New prepares the staging and output directories named by cfg.
func New(cfg config.Config, fetcher Fetcher, signer Signer, opts ...Option) (*Service, error) {
	area, err := staging.NewArea(cfg.StagingDir)
	if err != nil {
		return nil, err
	}
	out, err := staging.NewOutput(cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	s := &Service{
		fetcher: fetcher,
		signer:  signer,
		staging: area,
		output:  out,
		cfg:     cfg,
		log:     zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign downloads the three inputs, signs the package and returns the
// download link of the result. Staged inputs are removed on every path.
func (s *Service) Sign(ctx context.Context, req model.SigningRequest) (link string, err error) {
	rec := &model.Signing{
		ID:        uuid.New(),
		AppName:   req.AppName,
		BundleID:  req.BundleID,
		StartedAt: s.now().UTC(),
	}
	log := s.log.With(
		zap.Stringer("signing", rec.ID),
		zap.String("app", req.AppName),
		zap.String("bundle_id", req.BundleID),
	)
	log.Info("signing request")
	defer func() { s.record(log, rec, err) }()

	if err := validate(req); err != nil {
		return "", err
	}
	name := staging.SignedName(req.AppName)
	rec.Filename = name

	set := s.staging.NewSet()
	defer func() {
		if cerr := set.Cleanup(); cerr != nil {
			log.Warn("cleanup staged artifacts", zap.Error(cerr))
		}
	}()
	p12Path := set.Add(".p12")
	profilePath := set.Add(".mobileprovision")
	ipaPath := set.Add(staging.PackageExt)
	keychain := set.Add(".keychain")
	set.Track(keychain + "-db") // newer macOS stores the keychain here

	if err := s.fetchAll(ctx, log, []artifact{
		{req.P12URL, p12Path},
		{req.ProfileURL, profilePath},
		{req.IPAURL, ipaPath},
	}); err != nil {
		return "", err
	}

	if s.cfg.Preflight {
		if err := s.preflight(p12Path, profilePath, req); err != nil {
			return "", err
		}
	}

	tmp := s.output.TempPath()
	defer os.Remove(tmp) // gone already after a successful commit

	signCtx, cancel := withTimeout(ctx, s.cfg.SignTimeout)
	defer cancel()
	if err := s.signer.Sign(signCtx, toolchain.Request{
		P12Path:      p12Path,
		Password:     req.Password,
		ProfilePath:  profilePath,
		IPAPath:      ipaPath,
		OutputPath:   tmp,
		KeychainPath: keychain,
	}); err != nil {
		return "", err
	}
	if err := s.output.Commit(tmp, name); err != nil {
		return "", err
	}

	log.Info("signed", zap.String("file", name))
	return DownloadPrefix + name, nil
}

type artifact struct {
	url, dest string
}

// fetchAll downloads in order and stops at the first failure.
func (s *Service) fetchAll(ctx context.Context, log *zap.Logger, arts []artifact) error {
	ctx, cancel := withTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()
	for _, a := range arts {
		if err := s.fetcher.Fetch(ctx, a.url, a.dest); err != nil {
			return err
		}
		log.Debug("fetched", zap.String("dest", a.dest))
	}
	return nil
}

func (s *Service) preflight(p12Path, profilePath string, req model.SigningRequest) error {
	p12, err := os.ReadFile(p12Path)
	if err != nil {
		return err
	}
	profile, err := os.ReadFile(profilePath)
	if err != nil {
		return err
	}
	_, err = provision.Check(p12, req.Password, profile, req.BundleID, s.now())
	return err
}

func (s *Service) record(log *zap.Logger, rec *model.Signing, err error) {
	rec.FinishedAt = s.now().UTC()
	rec.Status = model.StatusSucceeded
	if err != nil {
		rec.Status = model.StatusFailed
		rec.Error = err.Error()
		log.Warn("signing failed", zap.Error(err))
	}
	if s.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ierr := s.Store.InsertSigning(ctx, rec); ierr != nil {
		log.Error("record signing", zap.Error(ierr))
	}
}

// Open returns a previously signed package by file name.
func (s *Service) Open(name string) (*os.File, fs.FileInfo, error) {
	f, fi, err := s.output.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	return f, fi, err
}

// History streams the recorded runs for an application, oldest first.
// Rejected requests are included with an empty Filename.
func (s *Service) History(ctx context.Context, appName string, fn func(*model.Signing) error) error {
	if s.Store == nil {
		return ErrNoHistory
	}
	return s.Store.StreamSignings(ctx, appName, fn)
}

func validate(req model.SigningRequest) error {
	fields := []struct{ name, value string }{
		{"p12_url", req.P12URL},
		{"certmobileprovision_url", req.ProfileURL},
		{"certpass", req.Password},
		{"ipa_url", req.IPAURL},
		{"app_name", req.AppName},
		{"bundle_id", req.BundleID},
	}
	for _, f := range fields {
		if f.value == "" {
			return fmt.Errorf("%w: missing field %s", ErrInvalidRequest, f.name)
		}
	}
	if err := staging.ValidateName(req.AppName); err != nil {
		return fmt.Errorf("%w: app_name: %w", ErrInvalidRequest, err)
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
