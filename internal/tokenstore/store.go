// Package tokenstore persists one OAuth credential record per tenant,
// encrypted at rest, and classifies how close each record is to expiry.
package tokenstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ledgergate/ledgergate/internal/config"
	"github.com/ledgergate/ledgergate/internal/errors"
	"github.com/ledgergate/ledgergate/internal/logging"
	"github.com/ledgergate/ledgergate/internal/models"
)

// tenantCredential is the persisted pairing of a tenant id with its
// credential record. The snapshot is an ordered slice so that the
// sealed blob is deterministic for a given store state.
type tenantCredential struct {
	TenantID string                   `json:"tenant_id"`
	Record   *models.CredentialRecord `json:"record"`
}

// Store is the process-wide credential store. All mutation goes through
// its methods; every mutation is written through to the encrypted file
// before the method returns.
type Store struct {
	mu      sync.RWMutex
	records map[string]*models.CredentialRecord

	path     string
	saltPath string
	secret   string
	key      []byte

	softThreshold time.Duration
	hardBuffer    time.Duration

	logger   *logging.Logger
	now      func() time.Time
	migrated bool
}

// New creates a Store for the configured path. A missing encryption
// secret is a fatal configuration error; the store never starts in a
// degraded unencrypted mode.
func New(cfg config.CredentialsConfig, logger *logging.Logger) (*Store, error) {
	if cfg.Secret == "" {
		return nil, &errors.ErrMissingSecret{Source: "credentials.secret"}
	}

	path, err := cfg.StorePath()
	if err != nil {
		return nil, err
	}

	softThreshold := cfg.SoftThreshold
	if softThreshold <= 0 {
		softThreshold = 30 * time.Minute
	}
	hardBuffer := cfg.HardBuffer
	if hardBuffer <= 0 {
		hardBuffer = 5 * time.Minute
	}

	if logger == nil {
		logger = logging.NewLogger()
	}

	return &Store{
		records:       make(map[string]*models.CredentialRecord),
		path:          path,
		saltPath:      path + ".salt",
		secret:        cfg.Secret,
		softThreshold: softThreshold,
		hardBuffer:    hardBuffer,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// Load reads the sealed snapshot from disk. An absent or undecryptable
// store is not fatal: the store starts empty and tenants simply have to
// authenticate again. A blob sealed under the legacy fixed-salt
// derivation is decrypted once and immediately re-persisted under a
// random salt.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	salt, saltExisted, err := s.loadOrCreateSalt()
	if err != nil {
		return err
	}
	s.key = deriveKey(s.secret, salt)

	sealed, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &errors.ErrFileRead{Path: s.path, Err: err}
	}

	plaintext, err := open(s.key, string(sealed))
	if err != nil {
		legacyKey := deriveKey(s.secret, legacySalt)
		legacyPlaintext, legacyErr := open(legacyKey, string(sealed))
		if legacyErr != nil {
			s.logger.Warn("credential store unreadable, starting empty",
				"path", s.path, "error", err.Error(), "salt_existed", saltExisted)
			s.records = make(map[string]*models.CredentialRecord)
			return nil
		}

		if err := s.decodeSnapshot(legacyPlaintext); err != nil {
			s.logger.Warn("legacy credential store corrupt, starting empty",
				"path", s.path, "error", err.Error())
			s.records = make(map[string]*models.CredentialRecord)
			return nil
		}
		// Re-seal under the random-salt derivation so the legacy path
		// is never needed again.
		if err := s.persistLocked(); err != nil {
			return err
		}
		s.migrated = true
		s.logger.Info("credential store migrated from legacy key derivation",
			"path", s.path, "tenants", len(s.records))
		return nil
	}

	if err := s.decodeSnapshot(plaintext); err != nil {
		s.logger.Warn("credential store corrupt, starting empty",
			"path", s.path, "error", err.Error())
		s.records = make(map[string]*models.CredentialRecord)
	}
	return nil
}

// Get returns the credential record for a tenant.
func (s *Store) Get(tenantID string) (*models.CredentialRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[tenantID]
	if !ok {
		return nil, false
	}
	clone := *rec
	return &clone, true
}

// Set computes the record's expiry from the token response, replaces
// any prior record for the tenant, and persists synchronously. It
// returns only after the encrypted write has completed.
func (s *Store) Set(tenantID string, resp *models.TokenResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previousRefresh := ""
	if prev, ok := s.records[tenantID]; ok {
		previousRefresh = prev.RefreshToken
	}
	s.records[tenantID] = models.NewCredentialRecord(resp, previousRefresh, s.now())

	return s.persistLocked()
}

// SetRecord stores an already-built record, used for manual credential
// injection.
func (s *Store) SetRecord(tenantID string, rec *models.CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *rec
	s.records[tenantID] = &clone
	return s.persistLocked()
}

// Remove deletes a tenant's credential and persists.
func (s *Store) Remove(tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[tenantID]; !ok {
		return nil
	}
	delete(s.records, tenantID)
	return s.persistLocked()
}

// TenantIDs returns the ids of all tenants with a stored credential,
// sorted.
func (s *Store) TenantIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of stored credentials.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Classify derives the expiry state of a record against the configured
// thresholds.
func (s *Store) Classify(rec *models.CredentialRecord) models.Classification {
	return models.Classify(rec, s.now(), s.softThreshold, s.hardBuffer)
}

// Path returns the location of the sealed store file.
func (s *Store) Path() string {
	return s.path
}

// Migrated reports whether the last Load re-sealed a legacy-derivation
// blob under the random-salt scheme.
func (s *Store) Migrated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.migrated
}

func (s *Store) decodeSnapshot(plaintext []byte) error {
	var pairs []tenantCredential
	if err := json.Unmarshal(plaintext, &pairs); err != nil {
		return err
	}
	records := make(map[string]*models.CredentialRecord, len(pairs))
	for _, p := range pairs {
		if p.TenantID == "" || p.Record == nil {
			continue
		}
		records[p.TenantID] = p.Record
	}
	s.records = records
	return nil
}

// persistLocked seals the current snapshot and writes it via a temp
// file plus atomic rename so a crash mid-write leaves the previous
// snapshot intact. Caller must hold the write lock.
func (s *Store) persistLocked() error {
	pairs := make([]tenantCredential, 0, len(s.records))
	for id, rec := range s.records {
		pairs = append(pairs, tenantCredential{TenantID: id, Record: rec})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].TenantID < pairs[j].TenantID })

	plaintext, err := json.Marshal(pairs)
	if err != nil {
		return &errors.ErrStoreWrite{Path: s.path, Err: err}
	}

	sealed, err := seal(s.key, plaintext)
	if err != nil {
		return &errors.ErrStoreWrite{Path: s.path, Err: err}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &errors.ErrDirectoryCreate{Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return &errors.ErrStoreWrite{Path: s.path, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(sealed); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &errors.ErrStoreWrite{Path: s.path, Err: err}
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &errors.ErrStoreWrite{Path: s.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &errors.ErrStoreWrite{Path: s.path, Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return &errors.ErrStoreWrite{Path: s.path, Err: err}
	}
	return nil
}

// loadOrCreateSalt reads the sibling salt file, creating a fresh random
// salt on first use. The salt file and the data file are independent
// artifacts; both must survive for the store to be recoverable.
func (s *Store) loadOrCreateSalt() (salt []byte, existed bool, err error) {
	salt, err = os.ReadFile(s.saltPath)
	if err == nil && len(salt) == saltLength {
		return salt, true, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, false, &errors.ErrFileRead{Path: s.saltPath, Err: err}
	}

	salt, err = newSalt()
	if err != nil {
		return nil, false, err
	}

	dir := filepath.Dir(s.saltPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, false, &errors.ErrDirectoryCreate{Path: dir, Err: err}
	}
	if err := os.WriteFile(s.saltPath, salt, 0o600); err != nil {
		return nil, false, &errors.ErrStoreWrite{Path: s.saltPath, Err: err}
	}
	return salt, false, nil
}

// SetClock replaces the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}
