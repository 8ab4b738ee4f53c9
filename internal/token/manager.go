// Package token manages the hardware token's credentials alongside
// software-only entries. It owns the directory of credentials last listed
// from the device and the code cache of TOTP codes computed per time-step.
package token

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/knadh/oathkey/internal/oath"
	"github.com/knadh/oathkey/internal/store"
	"github.com/knadh/oathkey/pkg/models"
	"github.com/samber/lo"
	"github.com/zerodha/logf"
)

var (
	// ErrCodeUnavailable is returned when no code could be produced for an entry.
	ErrCodeUnavailable = errors.New("code unavailable")

	// ErrTouchRequired is returned when the device withholds a code until
	// it is touched.
	ErrTouchRequired = fmt.Errorf("%w: touch required", ErrCodeUnavailable)

	// ErrNoSecret is returned when adding an entry without a secret.
	ErrNoSecret = errors.New("entry has no secret")

	// ErrNotFound is returned when an entry doesn't exist.
	ErrNotFound = errors.New("entry not found")
)

// Device is the token's OATH applet.
type Device interface {
	List(ctx context.Context) ([]oath.Credential, error)
	CalculateAll(ctx context.Context, challenge uint64) ([]oath.Result, error)
	CalculateOne(ctx context.Context, name string, challenge uint64) (oath.Result, error)
	Put(ctx context.Context, name string, secret []byte, a models.Algorithm, t models.Type, digits int) error
	Delete(ctx context.Context, name string) error
}

// Link is the connection to the device.
type Link interface {
	Connect() error
	Connected() bool
}

// Opt holds Manager options.
type Opt struct {
	// ClockOffset is added to the current time before computing time-steps.
	ClockOffset time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Manager is the token manager.
type Manager struct {
	dev   Device
	link  Link
	cache store.Store
	opt   Opt
	lo    *logf.Logger

	mu sync.Mutex
	// dir is nil until the first successful List and after every
	// add/delete.
	dir   []models.Entry
	local []models.Entry
}

// New returns a new Manager.
func New(dev Device, link Link, cache store.Store, o Opt, lo *logf.Logger) *Manager {
	if o.Now == nil {
		o.Now = time.Now
	}

	return &Manager{
		dev:   dev,
		link:  link,
		cache: cache,
		opt:   o,
		lo:    lo,
	}
}

// Connect connects to the device if it isn't already.
func (m *Manager) Connect() error {
	if m.link.Connected() {
		return nil
	}
	return m.link.Connect()
}

// Connected reports whether the device is open.
func (m *Manager) Connected() bool {
	return m.link.Connected()
}

// ListEntries returns the device's credentials, listing them from the
// device only if the directory isn't cached.
func (m *Manager) ListEntries(ctx context.Context) ([]models.Entry, error) {
	m.mu.Lock()
	dir := m.dir
	m.mu.Unlock()
	if dir != nil {
		return slices.Clone(dir), nil
	}

	creds, err := m.dev.List(ctx)
	if err != nil {
		m.lo.Error("error listing entries", "error", err)
		return nil, err
	}

	dir = lo.Map(creds, func(c oath.Credential, i int) models.Entry {
		return models.NewEntry(models.Entry{
			Index:     i + 1,
			Issuer:    c.Name,
			Type:      c.Type,
			Algorithm: c.Algorithm,
			Source:    models.SourceHardware,
		})
	})

	m.mu.Lock()
	m.dir = dir
	m.mu.Unlock()

	return slices.Clone(dir), nil
}

// Entries returns the device's entries, if it is connected, followed by
// the local entries. A device failure is logged and yields no device entries.
func (m *Manager) Entries(ctx context.Context) []models.Entry {
	var out []models.Entry
	if m.link.Connected() {
		if hw, err := m.ListEntries(ctx); err == nil {
			out = hw
		}
	}

	m.mu.Lock()
	out = append(out, m.local...)
	m.mu.Unlock()

	return out
}

// Find returns the entry with the given issuer name. Device entries take
// precedence over local ones.
func (m *Manager) Find(ctx context.Context, name string) (models.Entry, error) {
	e, ok := lo.Find(m.Entries(ctx), func(e models.Entry) bool {
		return e.Issuer == name
	})
	if !ok {
		return models.Entry{}, ErrNotFound
	}
	return e, nil
}

// AddLocal registers a software-only entry.
func (m *Manager) AddLocal(e models.Entry) error {
	if len(e.Secret) == 0 {
		return ErrNoSecret
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e = models.NewEntry(e)
	e.Source = models.SourceLocal
	e.Index = len(m.local) + 1
	m.local = append(m.local, e)
	return nil
}

// AddEntry stores an entry on the device. Its secret is zeroed once sent.
func (m *Manager) AddEntry(ctx context.Context, e models.Entry) error {
	if len(e.Secret) == 0 {
		return ErrNoSecret
	}
	defer clear(e.Secret)

	e = models.NewEntry(e)
	if err := m.dev.Put(ctx, e.Issuer, e.Secret, e.Algorithm, e.Type, e.Digits); err != nil {
		m.lo.Error("error adding entry", "issuer", e.Issuer, "error", err)
		return err
	}

	m.invalidate()
	return nil
}

// DeleteEntry removes an entry from the device.
func (m *Manager) DeleteEntry(ctx context.Context, e models.Entry) error {
	if err := m.dev.Delete(ctx, e.Issuer); err != nil {
		m.lo.Error("error deleting entry", "issuer", e.Issuer, "error", err)
		return err
	}

	m.invalidate()
	return nil
}

// Code returns the current code of an entry.
//
// Device TOTP codes are served from the code cache and a miss computes
// every credential at once. Device HOTP codes are never cached since each
// calculation advances the device's counter.
func (m *Manager) Code(ctx context.Context, e models.Entry) (string, error) {
	if e.Source == models.SourceLocal {
		return m.localCode(e)
	}

	if e.Type == models.TypeHOTP {
		r, err := m.dev.CalculateOne(ctx, e.Issuer, 0)
		if err != nil {
			m.lo.Error("error calculating code", "issuer", e.Issuer, "error", err)
			return "", fmt.Errorf("%w: %w", ErrCodeUnavailable, err)
		}
		return r.Format(), nil
	}

	step := m.Step()
	code, err := m.cache.Get(step, e.Issuer)
	if err == nil {
		return code, nil
	}
	if !errors.Is(err, store.ErrNotExist) {
		m.lo.Warn("error reading code cache", "error", err)
	}

	res, err := m.calculate(ctx, step)
	if err != nil {
		m.lo.Error("error calculating codes", "step", step, "error", err)
		return "", fmt.Errorf("%w: %w", ErrCodeUnavailable, err)
	}

	r, ok := lo.Find(res, func(r oath.Result) bool {
		return r.Name == e.Issuer
	})
	switch {
	case !ok:
		return "", ErrCodeUnavailable
	case r.Special == oath.SpecialTouchRequired:
		return "", ErrTouchRequired
	case !r.Numeric():
		return "", ErrCodeUnavailable
	}
	return r.Format(), nil
}

// Codes returns the codes of every TOTP entry. HOTP entries are listed
// without a code as producing one advances their counter.
func (m *Manager) Codes(ctx context.Context) []models.Code {
	return lo.Map(m.Entries(ctx), func(e models.Entry, _ int) models.Code {
		out := models.Code{Entry: e}
		if e.Type == models.TypeHOTP {
			return out
		}

		code, err := m.Code(ctx, e)
		switch {
		case err == nil:
			out.Code = &code
		case errors.Is(err, ErrTouchRequired):
			out.TouchRequired = true
		}
		return out
	})
}

// Refresh reconnects a disconnected device and computes the codes of the
// current time-step. The directory is reused unless the device was
// reconnected, as a reconnected device may hold other credentials.
func (m *Manager) Refresh(ctx context.Context) error {
	if !m.link.Connected() {
		if err := m.link.Connect(); err != nil {
			m.lo.Warn("error reconnecting device", "error", err)
			return err
		}

		m.mu.Lock()
		m.dir = nil
		m.mu.Unlock()
	}

	entries, err := m.ListEntries(ctx)
	if err != nil {
		return err
	}

	if !lo.ContainsBy(entries, func(e models.Entry) bool { return e.Type == models.TypeTOTP }) {
		return nil
	}

	step := m.Step()
	if _, err := m.calculate(ctx, step); err != nil {
		m.lo.Error("error calculating codes", "step", step, "error", err)
		return err
	}
	return nil
}

// Step returns the current TOTP time-step.
func (m *Manager) Step() uint64 {
	return uint64(m.epoch()) / models.DefaultPeriod
}

// Remaining returns the seconds left in the current time-step.
func (m *Manager) Remaining() int {
	return models.DefaultPeriod - int(m.epoch()%models.DefaultPeriod)
}

// epoch returns the offset Unix time. Times before the epoch are clamped
// to 0 as challenges are unsigned.
func (m *Manager) epoch() int64 {
	return max(m.opt.Now().Add(m.opt.ClockOffset).Unix(), 0)
}

// calculate computes every credential at step and caches the numeric codes.
func (m *Manager) calculate(ctx context.Context, step uint64) ([]oath.Result, error) {
	res, err := m.dev.CalculateAll(ctx, step)
	if err != nil {
		return nil, err
	}

	codes := make(map[string]string, len(res))
	for _, r := range res {
		if r.Numeric() {
			codes[r.Name] = r.Format()
		}
	}

	if err := m.cache.Set(step, codes); err != nil {
		m.lo.Warn("error caching codes", "step", step, "error", err)
	}
	return res, nil
}

// invalidate drops the directory and every cached code after the device's
// credentials changed.
func (m *Manager) invalidate() {
	m.mu.Lock()
	m.dir = nil
	m.mu.Unlock()

	if err := m.cache.Clear(); err != nil {
		m.lo.Warn("error clearing code cache", "error", err)
	}
}
