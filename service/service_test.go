package service_test

import (
	"context"
	"crypto/x509"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collapsinghierarchy/p12sign/config"
	"github.com/collapsinghierarchy/p12sign/fetch"
	"github.com/collapsinghierarchy/p12sign/model"
	"github.com/collapsinghierarchy/p12sign/provision"
	"github.com/collapsinghierarchy/p12sign/provision/provisiontest"
	"github.com/collapsinghierarchy/p12sign/service"
	"github.com/collapsinghierarchy/p12sign/toolchain"
)

// fakeSigner writes "signed:<package bytes>" to the output path and touches
// the keychain, as the real tools would.
type fakeSigner struct {
	mu    sync.Mutex
	reqs  []toolchain.Request
	err   error
	stamp string
}

func (f *fakeSigner) Sign(ctx context.Context, req toolchain.Request) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	stamp, ferr := f.stamp, f.err
	f.mu.Unlock()

	if err := os.WriteFile(req.KeychainPath, []byte("keychain"), 0o600); err != nil {
		return err
	}
	ipa, err := os.ReadFile(req.IPAPath)
	if err != nil {
		return err
	}
	if ferr != nil {
		// a failing tool may still leave a partial file behind
		os.WriteFile(req.OutputPath, []byte("partial"), 0o600)
		return ferr
	}
	return os.WriteFile(req.OutputPath, append([]byte("signed"+stamp+":"), ipa...), 0o600)
}

// fakeStore implements store.Store in memory.
type fakeStore struct {
	mu       sync.Mutex
	signings []*model.Signing
}

func (f *fakeStore) InsertSigning(ctx context.Context, s *model.Signing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy := *s
	f.signings = append(f.signings, &copy)
	return nil
}

func (f *fakeStore) StreamSignings(ctx context.Context, appName string, fn func(*model.Signing) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.signings {
		if s.AppName != appName {
			continue
		}
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}

type env struct {
	svc    *service.Service
	signer *fakeSigner
	store  *fakeStore
	cfg    config.Config
	files  *httptest.Server
}

// newEnv serves /cert.p12, /profile.mobileprovision and /app.ipa from
// artifacts; any other path is a 404.
func newEnv(t *testing.T, preflight bool, artifacts map[string][]byte) *env {
	t.Helper()
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := artifacts[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(files.Close)

	root := t.TempDir()
	cfg := config.Config{
		StagingDir: filepath.Join(root, "temp"),
		OutputDir:  filepath.Join(root, "signed"),
		Preflight:  preflight,
	}
	e := &env{signer: &fakeSigner{}, store: &fakeStore{}, cfg: cfg, files: files}
	svc, err := service.New(cfg, fetch.New(files.Client()), e.signer, service.WithStore(e.store))
	require.NoError(t, err)
	e.svc = svc
	return e
}

func defaultArtifacts() map[string][]byte {
	return map[string][]byte{
		"/cert.p12":                []byte("p12"),
		"/profile.mobileprovision": []byte("profile"),
		"/app.ipa":                 []byte("PK-ipa-bytes"),
	}
}

func (e *env) request(app string) model.SigningRequest {
	return model.SigningRequest{
		P12URL:     e.files.URL + "/cert.p12",
		ProfileURL: e.files.URL + "/profile.mobileprovision",
		Password:   "s3cret",
		IPAURL:     e.files.URL + "/app.ipa",
		AppName:    app,
		BundleID:   "com.example.app",
	}
}

func (e *env) assertStagingEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.cfg.StagingDir)
	require.NoError(t, err)
	var names []string
	for _, en := range entries {
		names = append(names, en.Name())
	}
	assert.Empty(t, names, "staged artifacts left behind")
}

func (e *env) retrieve(t *testing.T, link string) []byte {
	t.Helper()
	require.True(t, strings.HasPrefix(link, service.DownloadPrefix), link)
	f, _, err := e.svc.Open(strings.TrimPrefix(link, service.DownloadPrefix))
	require.NoError(t, err)
	defer f.Close()
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	return b
}

func TestSign_Success(t *testing.T) {
	e := newEnv(t, false, defaultArtifacts())

	link, err := e.svc.Sign(context.Background(), e.request("Demo"))
	require.NoError(t, err)
	assert.Equal(t, "/download/Demo_signed.ipa", link)
	assert.Equal(t, "signed:PK-ipa-bytes", string(e.retrieve(t, link)))

	require.Len(t, e.signer.reqs, 1)
	r := e.signer.reqs[0]
	assert.Equal(t, "s3cret", r.Password)
	assert.Equal(t, ".p12", filepath.Ext(r.P12Path))
	assert.Equal(t, ".mobileprovision", filepath.Ext(r.ProfilePath))
	assert.Equal(t, ".ipa", filepath.Ext(r.IPAPath))
	assert.Equal(t, e.cfg.OutputDir, filepath.Dir(r.OutputPath))

	e.assertStagingEmpty(t)
	entries, err := os.ReadDir(e.cfg.OutputDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the published package remains")

	require.Len(t, e.store.signings, 1)
	assert.Equal(t, model.StatusSucceeded, e.store.signings[0].Status)
	assert.Equal(t, "Demo_signed.ipa", e.store.signings[0].Filename)
}

func TestSign_FetchFailureEachURL(t *testing.T) {
	for _, missing := range []string{"/cert.p12", "/profile.mobileprovision", "/app.ipa"} {
		t.Run(missing, func(t *testing.T) {
			arts := defaultArtifacts()
			delete(arts, missing)
			e := newEnv(t, false, arts)

			_, err := e.svc.Sign(context.Background(), e.request("Demo"))
			var fe *fetch.Error
			require.True(t, errors.As(err, &fe), "got %v", err)
			assert.Equal(t, e.files.URL+missing, fe.URL)
			assert.Empty(t, e.signer.reqs, "signer must not run")
			e.assertStagingEmpty(t)

			require.Len(t, e.store.signings, 1)
			assert.Equal(t, model.StatusFailed, e.store.signings[0].Status)
		})
	}
}

func TestSign_ConnectionRefused(t *testing.T) {
	e := newEnv(t, false, defaultArtifacts())
	req := e.request("Demo")
	e.files.Close()

	_, err := e.svc.Sign(context.Background(), req)
	var fe *fetch.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, req.P12URL, fe.URL)
	e.assertStagingEmpty(t)
}

func TestSign_SignerFailure(t *testing.T) {
	e := newEnv(t, false, defaultArtifacts())
	e.signer.err = errors.New("altool exploded")

	_, err := e.svc.Sign(context.Background(), e.request("Demo"))
	assert.EqualError(t, err, "altool exploded")
	e.assertStagingEmpty(t)

	entries, rerr := os.ReadDir(e.cfg.OutputDir)
	require.NoError(t, rerr)
	assert.Empty(t, entries, "partial output must not survive")

	_, _, oerr := e.svc.Open("Demo_signed.ipa")
	assert.ErrorIs(t, oerr, service.ErrNotFound)
}

func TestSign_FailureKeepsPreviousOutput(t *testing.T) {
	e := newEnv(t, false, defaultArtifacts())
	link, err := e.svc.Sign(context.Background(), e.request("Demo"))
	require.NoError(t, err)

	e.signer.err = errors.New("boom")
	_, err = e.svc.Sign(context.Background(), e.request("Demo"))
	require.Error(t, err)
	assert.Equal(t, "signed:PK-ipa-bytes", string(e.retrieve(t, link)))
}

func TestSign_MissingField(t *testing.T) {
	e := newEnv(t, false, defaultArtifacts())
	req := e.request("Demo")
	req.BundleID = ""

	_, err := e.svc.Sign(context.Background(), req)
	assert.ErrorIs(t, err, service.ErrInvalidRequest)
	assert.Contains(t, err.Error(), "bundle_id")
	assert.Empty(t, e.signer.reqs)

	require.Len(t, e.store.signings, 1, "rejected requests are recorded too")
	assert.Equal(t, model.StatusFailed, e.store.signings[0].Status)
	assert.Empty(t, e.store.signings[0].Filename)
}

func TestSign_AppNameCannotEscapeOutputDir(t *testing.T) {
	e := newEnv(t, false, defaultArtifacts())
	_, err := e.svc.Sign(context.Background(), e.request("../../etc/evil"))
	assert.ErrorIs(t, err, service.ErrInvalidRequest)
	assert.Empty(t, e.signer.reqs)
}

func TestSign_OverwriteSameAppName(t *testing.T) {
	e := newEnv(t, false, defaultArtifacts())

	e.signer.stamp = "-1"
	link1, err := e.svc.Sign(context.Background(), e.request("Demo"))
	require.NoError(t, err)
	e.signer.stamp = "-2"
	link2, err := e.svc.Sign(context.Background(), e.request("Demo"))
	require.NoError(t, err)

	assert.Equal(t, link1, link2)
	assert.Equal(t, "signed-2:PK-ipa-bytes", string(e.retrieve(t, link2)))
}

func TestSign_ConcurrentDistinctApps(t *testing.T) {
	e := newEnv(t, false, defaultArtifacts())

	apps := []string{"Alpha", "Beta"}
	links := make([]string, len(apps))
	errs := make([]error, len(apps))
	var wg sync.WaitGroup
	for i, app := range apps {
		wg.Add(1)
		go func(i int, app string) {
			defer wg.Done()
			links[i], errs[i] = e.svc.Sign(context.Background(), e.request(app))
		}(i, app)
	}
	wg.Wait()

	for i, app := range apps {
		require.NoError(t, errs[i])
		assert.Equal(t, "/download/"+app+"_signed.ipa", links[i])
		assert.Equal(t, "signed:PK-ipa-bytes", string(e.retrieve(t, links[i])))
	}

	require.Len(t, e.signer.reqs, 2)
	a, b := e.signer.reqs[0], e.signer.reqs[1]
	assert.NotEqual(t, a.P12Path, b.P12Path)
	assert.NotEqual(t, a.ProfilePath, b.ProfilePath)
	assert.NotEqual(t, a.IPAPath, b.IPAPath)
	assert.NotEqual(t, a.KeychainPath, b.KeychainPath)
	e.assertStagingEmpty(t)
}

func TestOpen_NotFound(t *testing.T) {
	e := newEnv(t, false, defaultArtifacts())
	f, _, err := e.svc.Open("Nope_signed.ipa")
	assert.ErrorIs(t, err, service.ErrNotFound)
	assert.Nil(t, f)
}

func TestHistory(t *testing.T) {
	e := newEnv(t, false, defaultArtifacts())
	_, err := e.svc.Sign(context.Background(), e.request("Demo"))
	require.NoError(t, err)
	_, err = e.svc.Sign(context.Background(), e.request("Other"))
	require.NoError(t, err)

	var got []*model.Signing
	require.NoError(t, e.svc.History(context.Background(), "Demo", func(s *model.Signing) error {
		got = append(got, s)
		return nil
	}))
	require.Len(t, got, 1)
	assert.Equal(t, "com.example.app", got[0].BundleID)
	assert.NotContains(t, got[0].Error, "s3cret")
}

func TestHistory_Disabled(t *testing.T) {
	cfg := config.Config{StagingDir: t.TempDir(), OutputDir: t.TempDir()}
	svc, err := service.New(cfg, fetch.New(nil), &fakeSigner{})
	require.NoError(t, err)
	err = svc.History(context.Background(), "Demo", func(*model.Signing) error { return nil })
	assert.ErrorIs(t, err, service.ErrNoHistory)
}

func TestSign_DefaultConfigLeavesInputsToToolchain(t *testing.T) {
	e := newEnv(t, false, defaultArtifacts())
	cfg := config.Default()
	cfg.StagingDir, cfg.OutputDir = e.cfg.StagingDir, e.cfg.OutputDir
	require.False(t, cfg.Preflight)

	svc, err := service.New(cfg, fetch.New(e.files.Client()), e.signer)
	require.NoError(t, err)

	// neither artifact is a real .p12 or profile
	link, err := svc.Sign(context.Background(), e.request("Opaque"))
	require.NoError(t, err)
	assert.Equal(t, "/download/Opaque_signed.ipa", link)
	require.Len(t, e.signer.reqs, 1)
}

func TestSign_Preflight(t *testing.T) {
	const team = "ABCDE12345"
	id := provisiontest.NewIdentity(t, team)
	arts := defaultArtifacts()
	arts["/cert.p12"] = id.P12(t, "s3cret")
	arts["/profile.mobileprovision"] = id.Profile(t, provisiontest.ProfileOptions{
		Name:    "Demo",
		Team:    team,
		AppID:   "com.example.*",
		Expires: time.Now().Add(time.Hour),
		Certs:   []*x509.Certificate{id.Cert},
	})
	e := newEnv(t, true, arts)

	t.Run("ok", func(t *testing.T) {
		_, err := e.svc.Sign(context.Background(), e.request("Demo"))
		require.NoError(t, err)
	})

	t.Run("wrong passphrase", func(t *testing.T) {
		before := len(e.signer.reqs)
		req := e.request("Demo")
		req.Password = "not-the-passphrase"
		_, err := e.svc.Sign(context.Background(), req)
		assert.ErrorIs(t, err, provision.ErrCertificate)
		assert.Len(t, e.signer.reqs, before, "signer must not run")
		e.assertStagingEmpty(t)
	})

	t.Run("bundle id", func(t *testing.T) {
		req := e.request("Demo")
		req.BundleID = "org.other.app"
		_, err := e.svc.Sign(context.Background(), req)
		assert.ErrorIs(t, err, provision.ErrBundleIDMismatch)
		e.assertStagingEmpty(t)
	})
}
