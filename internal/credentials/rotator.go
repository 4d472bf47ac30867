// internal/credentials/rotator.go
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
)

// ErrPoolExhausted is returned by Acquire when every credential has used its limit
// for the current accounting period.
var ErrPoolExhausted = errors.New("credential pool exhausted")

// Granularity selects the length of an accounting period.
type Granularity string

const (
	Monthly Granularity = "monthly"
	Daily   Granularity = "daily"
)

// PeriodKey formats t (in UTC) as the accounting period key for g.
func PeriodKey(g Granularity, t time.Time) string {
	if g == Daily {
		return t.UTC().Format("2006-01-02")
	}
	return t.UTC().Format("2006-01")
}

// PoolEntry is one element of the pool file.
type PoolEntry struct {
	Identity  string `json:"identity"`
	Path      string `json:"path,omitempty"`
	SecretRef string `json:"secret_ref,omitempty"`
	Limit     int    `json:"limit"`
}

// usageFile is the persisted accounting state.
type usageFile struct {
	Period string         `json:"period"`
	Usage  map[string]int `json:"usage"`
}

// Credential is a handle returned by Acquire. Secret is resolved at acquisition time.
type Credential struct {
	Identity string
	Secret   string
}

// CredentialStatus is a read-only view of one pool entry.
type CredentialStatus struct {
	Identity  string `json:"identity"`
	Used      int    `json:"used"`
	Limit     int    `json:"limit"`
	Available bool   `json:"available"`
}

type slot struct {
	entry PoolEntry
	used  int
}

// Rotator is the process-wide credential pool. It hands out credentials in pool order
// and persists usage after every accounting event.
type Rotator struct {
	mu          sync.Mutex
	slots       []*slot
	usagePath   string
	period      string
	granularity Granularity
	now         func() time.Time
	logger      *zap.Logger
}

// Option customises a Rotator.
type Option func(*Rotator)

// WithGranularity sets the accounting period length.
func WithGranularity(g Granularity) Option {
	return func(r *Rotator) { r.granularity = g }
}

// WithClock overrides the time source used for period keys.
func WithClock(now func() time.Time) Option {
	return func(r *Rotator) { r.now = now }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Rotator) { r.logger = logger }
}

// Load reads the pool file and the usage file. A missing usage file means zero usage.
// Counters from a different period than the current one are discarded.
func Load(poolPath, usagePath string, opts ...Option) (*Rotator, error) {
	r := &Rotator{
		granularity: Monthly,
		now:         time.Now,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("credentials")

	var err error
	if poolPath, err = homedir.Expand(poolPath); err != nil {
		return nil, fmt.Errorf("failed to expand pool path: %w", err)
	}
	if r.usagePath, err = homedir.Expand(usagePath); err != nil {
		return nil, fmt.Errorf("failed to expand usage path: %w", err)
	}

	entries, err := readPool(poolPath)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		r.slots = append(r.slots, &slot{entry: e})
	}

	r.period = PeriodKey(r.granularity, r.now())
	persisted, err := readUsage(r.usagePath)
	if err != nil {
		return nil, err
	}
	if persisted.Period == r.period {
		for _, s := range r.slots {
			s.used = persisted.Usage[s.entry.Identity]
		}
	} else if persisted.Period != "" {
		r.logger.Info("Accounting period changed, usage counters reset.",
			zap.String("previous", persisted.Period), zap.String("current", r.period))
	}
	return r, nil
}

func readPool(path string) ([]PoolEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential pool %s: %w", path, err)
	}
	var entries []PoolEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse credential pool %s: %w", path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("credential pool %s is empty", path)
	}

	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		switch {
		case e.Identity == "":
			return nil, fmt.Errorf("credential pool entry %d has no identity", i)
		case seen[e.Identity]:
			return nil, fmt.Errorf("credential pool has duplicate identity %q", e.Identity)
		case e.Limit <= 0:
			return nil, fmt.Errorf("credential %q must have a positive limit", e.Identity)
		case e.Path == "" && e.SecretRef == "":
			return nil, fmt.Errorf("credential %q needs a path or secret_ref", e.Identity)
		}
		seen[e.Identity] = true
	}
	return entries, nil
}

func readUsage(path string) (usageFile, error) {
	var u usageFile
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return u, nil
	}
	if err != nil {
		return u, fmt.Errorf("failed to read usage file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &u); err != nil {
		return u, fmt.Errorf("failed to parse usage file %s: %w", path, err)
	}
	return u, nil
}

// Period returns the current accounting period key.
func (r *Rotator) Period() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.period
}

// Acquire returns the first credential in pool order whose usage is below its limit.
func (r *Rotator) Acquire() (*Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.rollPeriodLocked(); err != nil {
		return nil, err
	}
	for _, s := range r.slots {
		if s.used >= s.entry.Limit {
			continue
		}
		secret, err := resolveSecret(s.entry)
		if err != nil {
			return nil, fmt.Errorf("credential %q: %w", s.entry.Identity, err)
		}
		return &Credential{Identity: s.entry.Identity, Secret: secret}, nil
	}
	return nil, ErrPoolExhausted
}

// RecordSuccess counts one successful call against c and persists the usage file.
func (r *Rotator) RecordSuccess(c *Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.slotLocked(c)
	if err != nil {
		return err
	}
	s.used++
	return r.persistLocked()
}

// RecordQuotaError marks c as exhausted for the rest of the period and persists the usage file.
func (r *Rotator) RecordQuotaError(c *Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.slotLocked(c)
	if err != nil {
		return err
	}
	s.used = s.entry.Limit
	r.logger.Warn("Credential exhausted by quota error.", zap.String("identity", s.entry.Identity))
	return r.persistLocked()
}

// Status reports usage for every credential in pool order.
func (r *Rotator) Status() []CredentialStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]CredentialStatus, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, CredentialStatus{
			Identity:  s.entry.Identity,
			Used:      s.used,
			Limit:     s.entry.Limit,
			Available: s.used < s.entry.Limit,
		})
	}
	return out
}

func (r *Rotator) slotLocked(c *Credential) (*slot, error) {
	if c == nil {
		return nil, errors.New("nil credential")
	}
	for _, s := range r.slots {
		if s.entry.Identity == c.Identity {
			return s, nil
		}
	}
	return nil, fmt.Errorf("unknown credential %q", c.Identity)
}

// rollPeriodLocked resets counters when a long-running process crosses a period boundary.
func (r *Rotator) rollPeriodLocked() error {
	current := PeriodKey(r.granularity, r.now())
	if current == r.period {
		return nil
	}
	r.logger.Info("Accounting period rolled over.", zap.String("previous", r.period), zap.String("current", current))
	r.period = current
	for _, s := range r.slots {
		s.used = 0
	}
	return r.persistLocked()
}

// persistLocked writes the usage file through a temp file and rename so a crash
// leaves either the old or the new state on disk.
func (r *Rotator) persistLocked() error {
	u := usageFile{Period: r.period, Usage: make(map[string]int, len(r.slots))}
	for _, s := range r.slots {
		u.Usage[s.entry.Identity] = s.used
	}
	data, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode usage: %w", err)
	}

	dir := filepath.Dir(r.usagePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create usage directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".usage-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp usage file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write usage: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync usage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close usage: %w", err)
	}
	if err := os.Rename(tmpName, r.usagePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace usage file: %w", err)
	}
	return nil
}

// resolveSecret reads the key material for e: a file path, an "env:NAME" reference
// or a literal secret.
func resolveSecret(e PoolEntry) (string, error) {
	if e.Path != "" {
		path, err := homedir.Expand(e.Path)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read secret file: %w", err)
		}
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return "", fmt.Errorf("secret file %s is empty", path)
		}
		return secret, nil
	}
	if name, ok := strings.CutPrefix(e.SecretRef, "env:"); ok {
		secret := os.Getenv(name)
		if secret == "" {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return secret, nil
	}
	return e.SecretRef, nil
}
