package blacklist

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"trafficguard/internal/apisix"
	"trafficguard/internal/domain"
)

// Store is the upstream holding the plugin metadata.
type Store interface {
	GetPluginMetadata(ctx context.Context, plugin string) (apisix.Metadata, bool, error)
	PutPluginMetadata(ctx context.Context, plugin string, value apisix.Metadata) (int, error)
}

// Locker serializes writers of one metadata key.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// AuditSink receives a record of every update the gateway accepted.
type AuditSink interface {
	Record(ctx context.Context, entry domain.BlacklistAuditEntry) error
}

// Change is one requested blacklist mutation.
type Change struct {
	IP     string
	Action domain.Action
	Actor  string
	Reason string
}

type UpdateResult struct {
	IP        string
	Action    domain.Action
	Changed   bool
	Status    int
	Blacklist []string
}

// Message describes what the update actually did.
func (r UpdateResult) Message() string {
	if r.Changed {
		return fmt.Sprintf("IP %s %s successfully", r.IP, r.Action.PastTense())
	}
	if r.Action == domain.ActionRemove {
		return fmt.Sprintf("IP %s was not blacklisted", r.IP)
	}
	return fmt.Sprintf("IP %s is already blacklisted", r.IP)
}

type Manager struct {
	store  Store
	locker Locker
	audit  AuditSink
	plugin string
	reads  singleflight.Group
}

func NewManager(store Store, locker Locker) *Manager {
	return &Manager{
		store:  store,
		locker: locker,
		plugin: domain.BlacklistPlugin,
	}
}

// WithAudit makes the manager record accepted updates to sink.
func (m *Manager) WithAudit(sink AuditSink) *Manager {
	m.audit = sink
	return m
}

// List returns the current blacklist in gateway order. Missing metadata is an
// empty list. Concurrent callers share one upstream read, which is detached
// from any single caller's cancellation; each caller still returns as soon as
// its own context is done.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	shared := context.WithoutCancel(ctx)
	ch := m.reads.DoChan(m.plugin, func() (any, error) {
		blacklist, _, err := m.load(shared)
		if err != nil {
			return nil, err
		}
		return blacklist.Entries(), nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		entries := res.Val.([]string)
		return append(make([]string, 0, len(entries)), entries...), nil
	}
}

// Update adds or removes an address. The read-modify-write runs under the
// locker so concurrent updates through this service cannot lose each other's
// changes.
func (m *Manager) Update(ctx context.Context, change Change) (UpdateResult, error) {
	action := change.Action
	ip := strings.TrimSpace(change.IP)
	if ip == "" {
		return UpdateResult{}, domain.Validationf("IP is required")
	}
	if action != domain.ActionAdd && action != domain.ActionRemove {
		return UpdateResult{}, domain.Validationf("invalid action %q: use 'add' or 'remove'", action)
	}

	release, err := m.locker.Lock(ctx, m.plugin)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("acquire blacklist lock: %w", err)
	}
	defer release()

	blacklist, value, err := m.load(ctx)
	if err != nil {
		return UpdateResult{}, err
	}

	changed := blacklist.Apply(action, ip)
	entries := blacklist.Entries()

	updated, err := value.WithBlacklist(entries)
	if err != nil {
		return UpdateResult{}, &domain.Error{Kind: domain.KindSerialization, Op: "encode blacklist", Err: err}
	}

	status, err := m.store.PutPluginMetadata(ctx, m.plugin, updated)
	if err != nil {
		log.Error("blacklist: update rejected", "ip", ip, "action", action, "error", err)
		return UpdateResult{}, err
	}

	// Drop any read started before this write so the next List sees it.
	m.reads.Forget(m.plugin)

	log.Info("blacklist: updated", "ip", ip, "action", action, "changed", changed, "size", len(entries))
	m.record(ctx, domain.BlacklistAuditEntry{
		IP:             ip,
		Action:         action,
		Changed:        changed,
		UpstreamStatus: status,
		Actor:          change.Actor,
		Reason:         change.Reason,
	})
	return UpdateResult{
		IP:        ip,
		Action:    action,
		Changed:   changed,
		Status:    status,
		Blacklist: entries,
	}, nil
}

func (m *Manager) load(ctx context.Context) (*domain.Blacklist, apisix.Metadata, error) {
	value, found, err := m.store.GetPluginMetadata(ctx, m.plugin)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		log.Debug("blacklist: no plugin metadata yet, treating as empty", "plugin", m.plugin)
	}

	entries, err := value.Blacklist()
	if err != nil {
		return nil, nil, &domain.Error{Kind: domain.KindSerialization, Op: "decode blacklist", Err: err}
	}
	return domain.NewBlacklist(entries), value, nil
}

// record is best effort: the gateway already holds the change.
func (m *Manager) record(ctx context.Context, entry domain.BlacklistAuditEntry) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(ctx, entry); err != nil {
		log.Warn("blacklist: audit record failed", "ip", entry.IP, "action", entry.Action, "error", err)
	}
}
