// Package certstore implements the per-domain, per-environment
// filesystem layout for CSRs, keys, certificates and renewal logs.
package certstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DirPermissions defines permissions for directories (0750)
	DirPermissions = 0o750
	// PrivateKeyPermissions defines permissions for private key files (0600)
	PrivateKeyPermissions = 0o600
	// CertificatePermissions defines permissions for certificate files (0644)
	CertificatePermissions = 0o644

	// ReuseWindow is the minimum remaining validity for an existing
	// certificate to be reused instead of renewed.
	ReuseWindow = 30 * 24 * time.Hour
)

// File names within a domain (and environment) directory.
const (
	csrFile        = "csr.pem"
	privateKeyFile = "private_key.pem"
	renewalLogFile = "renewal.log"
	leafFile       = "certificate.pem"
	chainFile      = "chain.pem"
	fullChainFile  = "fullchain.pem"
	accountFile    = "account.json"
	accountKeyFile = "account.key"
)

// Store owns the on-disk certificate artifacts. Concurrent renewals of
// the same FQDN are serialized through a per-domain lock; different
// domains do not contend.
type Store struct {
	root   string
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Store rooted at the given directory.
func New(root string, logger zerolog.Logger) *Store {
	return &Store{
		root:   root,
		logger: logger.With().Str("component", "certstore").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Root returns the store root directory.
func (s *Store) Root() string {
	return s.root
}

// DomainDir returns the per-domain directory, creating it if needed.
func (s *Store) DomainDir(fqdn string) (string, error) {
	dir := filepath.Join(s.root, fqdn)
	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return "", fmt.Errorf("creating domain directory %s: %w", dir, err)
	}
	return dir, nil
}

// EnvDir returns the per-domain, per-environment directory, creating
// it if needed.
func (s *Store) EnvDir(fqdn, env string) (string, error) {
	dir := filepath.Join(s.root, fqdn, env)
	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return "", fmt.Errorf("creating environment directory %s: %w", dir, err)
	}
	return dir, nil
}

// domainLock returns the mutex serializing access to one FQDN.
func (s *Store) domainLock(fqdn string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[fqdn]
	if !ok {
		l = &sync.Mutex{}
		s.locks[fqdn] = l
	}
	return l
}

// SaveCSR persists the PEM-encoded CSR for the domain.
func (s *Store) SaveCSR(fqdn string, csrPEM []byte) error {
	lock := s.domainLock(fqdn)
	lock.Lock()
	defer lock.Unlock()

	dir, err := s.DomainDir(fqdn)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, csrFile), csrPEM, CertificatePermissions)
}

// LoadCSR returns the persisted CSR for the domain, or nil if none
// exists.
func (s *Store) LoadCSR(fqdn string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, fqdn, csrFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading CSR for %s: %w", fqdn, err)
	}
	return data, nil
}

// SavePrivateKey persists the PEM-encoded private key for the domain.
func (s *Store) SavePrivateKey(fqdn string, keyPEM []byte) error {
	lock := s.domainLock(fqdn)
	lock.Lock()
	defer lock.Unlock()

	dir, err := s.DomainDir(fqdn)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, privateKeyFile), keyPEM, PrivateKeyPermissions)
}

// HasPrivateKey reports whether a private key is stored for the domain.
func (s *Store) HasPrivateKey(fqdn string) bool {
	_, err := os.Stat(filepath.Join(s.root, fqdn, privateKeyFile))
	return err == nil
}

// SaveCertificates splits the downloaded chain into leaf and
// intermediates and writes certificate.pem, chain.pem and
// fullchain.pem under the environment directory. For general
// connections it also writes the <fqdn>.crt / <fqdn>.key convenience
// copies (the key only when one is stored).
func (s *Store) SaveCertificates(fqdn, env string, chainPEM []byte, generalCopies bool) error {
	lock := s.domainLock(fqdn)
	lock.Lock()
	defer lock.Unlock()

	blocks := SplitChain(chainPEM)
	if len(blocks) == 0 {
		return fmt.Errorf("no certificates found in downloaded chain for %s", fqdn)
	}

	dir, err := s.EnvDir(fqdn, env)
	if err != nil {
		return err
	}

	leaf := blocks[0]
	intermediates := JoinChain(blocks[1:])
	full := JoinChain(blocks)

	if err := writeFileAtomic(filepath.Join(dir, leafFile), leaf, CertificatePermissions); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, chainFile), intermediates, CertificatePermissions); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, fullChainFile), full, CertificatePermissions); err != nil {
		return err
	}
	s.logger.Info().Str("domain", fqdn).Str("env", env).Int("certificates", len(blocks)).
		Msg("certificate artifacts written")

	if !generalCopies {
		return nil
	}
	if err := writeFileAtomic(filepath.Join(dir, fqdn+".crt"), full, CertificatePermissions); err != nil {
		return err
	}
	keyPEM, err := os.ReadFile(filepath.Join(s.root, fqdn, privateKeyFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading private key for %s: %w", fqdn, err)
	}
	return writeFileAtomic(filepath.Join(dir, fqdn+".key"), keyPEM, PrivateKeyPermissions)
}

// LoadFullChain returns the stored fullchain.pem, or nil if absent.
func (s *Store) LoadFullChain(fqdn, env string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, fqdn, env, fullChainFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading fullchain for %s/%s: %w", fqdn, env, err)
	}
	return data, nil
}

// ReusableCertificate returns the stored chain when the existing leaf
// certificate still has more than ReuseWindow of validity left. Any
// parse or I/O problem means "not reusable" and is never fatal.
func (s *Store) ReusableCertificate(fqdn, env string) ([]byte, bool) {
	lock := s.domainLock(fqdn)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Join(s.root, fqdn, env)
	data, err := os.ReadFile(filepath.Join(dir, fullChainFile))
	if err != nil {
		data, err = os.ReadFile(filepath.Join(dir, leafFile))
	}
	if err != nil {
		return nil, false
	}

	cert, err := ParseFirstCertificate(data)
	if err != nil {
		s.logger.Warn().Str("domain", fqdn).Err(err).Msg("stored certificate unparseable, treating as not reusable")
		return nil, false
	}
	if time.Until(cert.NotAfter) <= ReuseWindow {
		return nil, false
	}
	return data, true
}

// AppendRenewalLog appends a timestamped line to the per-domain
// renewal log. Failures are logged and swallowed; the log is advisory.
func (s *Store) AppendRenewalLog(fqdn, message string) {
	dir, err := s.DomainDir(fqdn)
	if err != nil {
		s.logger.Warn().Str("domain", fqdn).Err(err).Msg("cannot open renewal log")
		return
	}
	line := fmt.Sprintf("%s %s\n", time.Now().Format(time.RFC3339), message)
	f, err := os.OpenFile(filepath.Join(dir, renewalLogFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, CertificatePermissions)
	if err != nil {
		s.logger.Warn().Str("domain", fqdn).Err(err).Msg("cannot open renewal log")
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		s.logger.Warn().Str("domain", fqdn).Err(err).Msg("cannot append to renewal log")
	}
}

// SaveAccount persists the ACME account JSON and key PEM for a
// (domain, environment) pair.
func (s *Store) SaveAccount(fqdn, env string, accountJSON, keyPEM []byte) error {
	lock := s.domainLock(fqdn)
	lock.Lock()
	defer lock.Unlock()

	dir, err := s.EnvDir(fqdn, env)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, accountKeyFile), keyPEM, PrivateKeyPermissions); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, accountFile), accountJSON, PrivateKeyPermissions)
}

// LoadAccount returns the stored account JSON and key PEM, or nils if
// no account exists for the pair.
func (s *Store) LoadAccount(fqdn, env string) (accountJSON, keyPEM []byte, err error) {
	dir := filepath.Join(s.root, fqdn, env)
	accountJSON, err = os.ReadFile(filepath.Join(dir, accountFile))
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading account for %s/%s: %w", fqdn, env, err)
	}
	keyPEM, err = os.ReadFile(filepath.Join(dir, accountKeyFile))
	if err != nil {
		return nil, nil, fmt.Errorf("reading account key for %s/%s: %w", fqdn, env, err)
	}
	return accountJSON, keyPEM, nil
}

// writeFileAtomic writes data to a temp file in the target directory
// and renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming %s into place: %w", path, err)
	}
	return nil
}
