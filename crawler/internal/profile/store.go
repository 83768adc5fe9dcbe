package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/dipcrawl/dbopen"
)

// ErrVersionConflict is returned by Update when every attempt lost the race
// against a concurrent writer.
var ErrVersionConflict = errors.New("profile: version conflict")

// Store persists profiles in SQLite. Writers never lock unrelated domains:
// updates are optimistic, checked against the row version.
type Store struct {
	DB         *sql.DB
	Policy     Policy
	MaxRetries int // extra read-modify-write attempts on conflict. Default: 5.

	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithClock sets the time source (tests).
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithPolicy sets the thresholds used for new profiles.
func WithPolicy(p Policy) Option { return func(s *Store) { s.Policy = p } }

// WithMaxRetries sets the conflict retry budget.
func WithMaxRetries(n int) Option { return func(s *Store) { s.MaxRetries = n } }

// NewStore wraps db. The caller applies Schema (dbopen.WithSchema).
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{DB: db, Policy: DefaultPolicy(), MaxRetries: 5, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.Policy.defaults()
	return s
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time { return s.now() }

// newProfile returns the first-contact profile of domain.
func (s *Store) newProfile(domain string) *Profile {
	now := s.now().UTC()
	return &Profile{
		Domain:            domain,
		PreferredStrategy: FetchOnly,
		RateLimit: RateLimit{
			MaxConcurrent: s.Policy.DefaultConcurrency,
			MinInterval:   s.Policy.DefaultInterval,
		},
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
}

const profileColumns = `domain, preferred_strategy, data, version`

func scanProfile(row interface{ Scan(...any) error }) (*Profile, error) {
	var (
		domain, strategy, data string
		version                int64
	)
	if err := row.Scan(&domain, &strategy, &data, &version); err != nil {
		return nil, err
	}
	p := &Profile{}
	if err := json.Unmarshal([]byte(data), p); err != nil {
		return nil, fmt.Errorf("profile: decode %s: %w", domain, err)
	}
	p.Domain = domain
	p.PreferredStrategy = Strategy(strategy)
	p.Version = version
	return p, nil
}

// Get returns the profile of domain, or (nil, nil) when there is none.
func (s *Store) Get(ctx context.Context, domain string) (*Profile, error) {
	p, err := scanProfile(s.DB.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE domain = ?`, domain))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profile: get %s: %w", domain, err)
	}
	return p, nil
}

// EnsureProfile returns the profile of domain, creating it on first contact.
// seed, when non-nil, fills the new profile (probe results) before insert.
// created reports whether this call inserted the row.
func (s *Store) EnsureProfile(ctx context.Context, domain string, seed func(*Profile)) (p *Profile, created bool, err error) {
	if p, err := s.Get(ctx, domain); err != nil || p != nil {
		return p, false, err
	}
	p = s.newProfile(domain)
	if seed != nil {
		seed(p)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, false, fmt.Errorf("profile: encode: %w", err)
	}
	res, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO profiles (domain, preferred_strategy, data, cooldown_until, last_verified_at,
		                      last_seen_at, created_at, updated_at, version)
		VALUES (?,?,?,?,?,?,?,?,1)
		ON CONFLICT(domain) DO NOTHING`,
		p.Domain, string(p.PreferredStrategy), string(data), millis(p.CooldownUntil),
		millis(p.LastVerifiedAt), millis(p.LastSeenAt), millis(p.CreatedAt), millis(p.UpdatedAt))
	if err != nil {
		return nil, false, fmt.Errorf("profile: insert %s: %w", domain, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the first-contact race; the winner's row is authoritative.
		p, err := s.Get(ctx, domain)
		return p, false, err
	}
	s.logger.InfoContext(ctx, "profile: created", "domain", domain)
	return p, true, nil
}

// Update applies fn to the current profile of domain and writes the result
// if nobody else wrote in between; otherwise it re-reads and re-applies fn,
// at most MaxRetries more times. fn may run several times and must only
// mutate the profile it is given. A missing profile is created first.
func (s *Store) Update(ctx context.Context, domain string, fn func(*Profile) error) (*Profile, error) {
	for attempt := 0; attempt <= s.MaxRetries; attempt++ {
		cur, _, err := s.EnsureProfile(ctx, domain, nil)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.Domain = domain
		next.UpdatedAt = s.now().UTC()
		next.Version = cur.Version + 1

		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("profile: encode: %w", err)
		}
		res, err := dbopen.Exec(ctx, s.DB, `
			UPDATE profiles SET
				preferred_strategy=?, data=?, cooldown_until=?, last_verified_at=?,
				last_seen_at=?, updated_at=?, version=?
			WHERE domain=? AND version=?`,
			string(next.PreferredStrategy), string(data), millis(next.CooldownUntil),
			millis(next.LastVerifiedAt), millis(next.LastSeenAt), millis(next.UpdatedAt),
			next.Version, domain, cur.Version)
		if err != nil {
			return nil, fmt.Errorf("profile: update %s: %w", domain, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return next, nil
		}
		s.logger.DebugContext(ctx, "profile: version conflict, retrying",
			"domain", domain, "version", cur.Version, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrVersionConflict, domain, s.MaxRetries+1)
}

// List returns profiles, most recently seen first. limit <= 0 means 100.
func (s *Store) List(ctx context.Context, limit int) ([]*Profile, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM profiles ORDER BY last_seen_at DESC, domain LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("profile: list: %w", err)
	}
	defer rows.Close()
	var out []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PurgeInactive deletes profiles not seen for olderThan and returns how
// many were removed.
func (s *Store) PurgeInactive(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan)
	res, err := dbopen.Exec(ctx, s.DB, `DELETE FROM profiles WHERE last_seen_at < ?`, millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("profile: purge: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.InfoContext(ctx, "profile: purged inactive profiles", "count", n, "older_than", olderThan.String())
	}
	return n, nil
}

// Inspection is the read-only view of a profile served to operators.
type Inspection struct {
	*Profile
	InCooldown        bool   `json:"in_cooldown"`
	CooldownRemaining string `json:"cooldown_remaining,omitempty"`
}

// Inspect returns the profile of domain with its derived cooldown status,
// or (nil, nil) when the domain is unknown.
func (s *Store) Inspect(ctx context.Context, domain string) (*Inspection, error) {
	p, err := s.Get(ctx, domain)
	if err != nil || p == nil {
		return nil, err
	}
	now := s.now()
	in := &Inspection{Profile: p, InCooldown: p.InCooldown(now)}
	if in.InCooldown {
		in.CooldownRemaining = p.CooldownUntil.Sub(now).Round(time.Second).String()
	}
	return in, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
