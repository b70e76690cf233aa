package blacklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"trafficguard/internal/apisix"
	"trafficguard/internal/domain"
	"trafficguard/internal/support"
)

type fakeStore struct {
	mu       sync.Mutex
	value    apisix.Metadata
	found    bool
	getErr   error
	putErr   error
	putCode  int
	puts     int
	getDelay time.Duration
}

func newFakeStore(entries ...string) *fakeStore {
	s := &fakeStore{putCode: 200}
	if entries != nil {
		raw, _ := json.Marshal(entries)
		s.value = apisix.Metadata{"blacklist": raw}
		s.found = true
	}
	return s
}

func (s *fakeStore) GetPluginMetadata(ctx context.Context, plugin string) (apisix.Metadata, bool, error) {
	s.mu.Lock()
	value, found, err := s.value, s.found, s.getErr
	s.mu.Unlock()

	if s.getDelay > 0 {
		time.Sleep(s.getDelay)
	}
	if err != nil {
		return nil, false, err
	}
	if !found {
		return apisix.Metadata{}, false, nil
	}
	return value, true, nil
}

func (s *fakeStore) PutPluginMetadata(ctx context.Context, plugin string, value apisix.Metadata) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.putErr != nil {
		return s.putCode, s.putErr
	}
	s.value = value
	s.found = true
	return s.putCode, nil
}

func (s *fakeStore) entries(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.value.Blacklist()
	if err != nil {
		t.Fatalf("stored blacklist undecodable: %v", err)
	}
	sort.Strings(entries)
	return entries
}

func newTestManager(store *fakeStore) *Manager {
	return NewManager(store, support.NewLocalLock())
}

func TestListMissingMetadataIsEmpty(t *testing.T) {
	m := newTestManager(newFakeStore())

	got, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("List() = %#v, want empty non-nil slice", got)
	}
}

func TestRepeatedAddKeepsSingleEntry(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)

	for i := 0; i < 3; i++ {
		if _, err := m.Update(context.Background(), Change{IP: "9.9.9.9", Action: domain.ActionAdd}); err != nil {
			t.Fatalf("Update returned error: %v", err)
		}
	}

	got, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"9.9.9.9"}) {
		t.Fatalf("List() = %v, want [9.9.9.9]", got)
	}
}

func TestRemoveAbsentStillWrites(t *testing.T) {
	store := newFakeStore("1.2.3.4")
	m := newTestManager(store)

	result, err := m.Update(context.Background(), Change{IP: "5.5.5.5", Action: domain.ActionRemove})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if result.Changed {
		t.Fatal("Changed = true for absent entry")
	}
	if result.Message() != "IP 5.5.5.5 was not blacklisted" {
		t.Fatalf("Message() = %q", result.Message())
	}
	if store.puts != 1 {
		t.Fatalf("puts = %d, want 1", store.puts)
	}
	if got := store.entries(t); !reflect.DeepEqual(got, []string{"1.2.3.4"}) {
		t.Fatalf("stored = %v, want [1.2.3.4]", got)
	}
}

func TestAddAddRemove(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	ctx := context.Background()

	steps := []struct {
		ip     string
		action domain.Action
	}{
		{"1.1.1.1", domain.ActionAdd},
		{"2.2.2.2", domain.ActionAdd},
		{"1.1.1.1", domain.ActionRemove},
	}
	for _, step := range steps {
		if _, err := m.Update(ctx, Change{IP: step.ip, Action: step.action}); err != nil {
			t.Fatalf("Update(%s, %s) returned error: %v", step.ip, step.action, err)
		}
	}

	if got := store.entries(t); !reflect.DeepEqual(got, []string{"2.2.2.2"}) {
		t.Fatalf("stored = %v, want [2.2.2.2]", got)
	}
}

func TestUpdateMergesIntoExisting(t *testing.T) {
	store := newFakeStore("1.2.3.4")
	store.value["mode"] = json.RawMessage(`"deny"`)
	m := newTestManager(store)

	result, err := m.Update(context.Background(), Change{IP: "5.6.7.8", Action: domain.ActionAdd})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if !result.Changed || result.Status != 200 {
		t.Fatalf("result = %+v, want changed with status 200", result)
	}
	if result.Message() != "IP 5.6.7.8 added successfully" {
		t.Fatalf("Message() = %q", result.Message())
	}
	if got := store.entries(t); !reflect.DeepEqual(got, []string{"1.2.3.4", "5.6.7.8"}) {
		t.Fatalf("stored = %v", got)
	}
	if string(store.value["mode"]) != `"deny"` {
		t.Fatalf("sibling field lost: %s", store.value["mode"])
	}
}

func TestUpdateRejectsInvalidInputWithoutUpstreamCalls(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)

	cases := []struct {
		ip     string
		action domain.Action
	}{
		{"", domain.ActionAdd},
		{"   ", domain.ActionAdd},
		{"1.1.1.1", domain.Action("bogus")},
	}
	for _, tc := range cases {
		_, err := m.Update(context.Background(), Change{IP: tc.ip, Action: tc.action})
		if domain.KindOf(err) != domain.KindValidation {
			t.Fatalf("Update(%q, %q) kind = %s, want validation", tc.ip, tc.action, domain.KindOf(err))
		}
	}
	if store.puts != 0 {
		t.Fatalf("puts = %d, want 0", store.puts)
	}
}

func TestUpdatePropagatesUpstreamRejection(t *testing.T) {
	store := newFakeStore()
	store.putCode = 400
	store.putErr = &domain.Error{Kind: domain.KindUpstreamError, Status: 400, Op: "PUT plugin_metadata/traffic-blocker"}
	m := newTestManager(store)

	_, err := m.Update(context.Background(), Change{IP: "1.1.1.1", Action: domain.ActionAdd})
	if domain.KindOf(err) != domain.KindUpstreamError {
		t.Fatalf("kind = %s, want upstream_error", domain.KindOf(err))
	}
	if status, _ := domain.UpstreamStatus(err); status != 400 {
		t.Fatalf("status = %d, want 400", status)
	}
}

func TestUpdateReadFailureSkipsWrite(t *testing.T) {
	store := newFakeStore()
	store.getErr = &domain.Error{Kind: domain.KindUpstreamUnreachable, Err: errors.New("connection refused")}
	m := newTestManager(store)

	_, err := m.Update(context.Background(), Change{IP: "1.1.1.1", Action: domain.ActionAdd})
	if domain.KindOf(err) != domain.KindUpstreamUnreachable {
		t.Fatalf("kind = %s, want upstream_unreachable", domain.KindOf(err))
	}
	if store.puts != 0 {
		t.Fatalf("puts = %d, want 0", store.puts)
	}
}

func TestConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	store := newFakeStore()
	store.getDelay = 2 * time.Millisecond
	m := newTestManager(store)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ip := fmt.Sprintf("10.0.0.%d", i)
			if _, err := m.Update(context.Background(), Change{IP: ip, Action: domain.ActionAdd}); err != nil {
				t.Errorf("Update(%s) returned error: %v", ip, err)
			}
		}(i)
	}
	wg.Wait()

	if got := store.entries(t); len(got) != writers {
		t.Fatalf("stored %d entries, want %d: %v", len(got), writers, got)
	}
}

func TestUpdateHonoursCancelledContextWhileLocked(t *testing.T) {
	store := newFakeStore()
	locker := support.NewLocalLock()
	m := NewManager(store, locker)

	release, err := locker.Lock(context.Background(), domain.BlacklistPlugin)
	if err != nil {
		t.Fatalf("Lock returned error: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Update(ctx, Change{IP: "1.1.1.1", Action: domain.ActionAdd}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Update error = %v, want deadline exceeded", err)
	}
	if store.puts != 0 {
		t.Fatalf("puts = %d, want 0", store.puts)
	}
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []domain.BlacklistAuditEntry
	err     error
}

func (r *recordingAudit) Record(ctx context.Context, entry domain.BlacklistAuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return r.err
}

func TestUpdateRecordsAudit(t *testing.T) {
	store := newFakeStore()
	audit := &recordingAudit{}
	m := newTestManager(store).WithAudit(audit)

	_, err := m.Update(context.Background(), Change{IP: "2001:DB8::1", Action: domain.ActionAdd, Actor: "alice", Reason: "scanner"})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	if len(audit.entries) != 1 {
		t.Fatalf("recorded %d entries, want 1", len(audit.entries))
	}
	got := audit.entries[0]
	want := domain.BlacklistAuditEntry{IP: "2001:DB8::1", Action: domain.ActionAdd, Changed: true, UpstreamStatus: 200, Actor: "alice", Reason: "scanner"}
	if got != want {
		t.Fatalf("audit entry = %+v, want %+v", got, want)
	}
}

func TestAuditFailureDoesNotFailUpdate(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store).WithAudit(&recordingAudit{err: errors.New("db down")})

	if _, err := m.Update(context.Background(), Change{IP: "1.1.1.1", Action: domain.ActionAdd}); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if got := store.entries(t); !reflect.DeepEqual(got, []string{"1.1.1.1"}) {
		t.Fatalf("stored = %v", got)
	}
}

func TestRejectedUpdateIsNotAudited(t *testing.T) {
	store := newFakeStore()
	store.putErr = &domain.Error{Kind: domain.KindUpstreamError, Status: 500}
	audit := &recordingAudit{}
	m := newTestManager(store).WithAudit(audit)

	if _, err := m.Update(context.Background(), Change{IP: "1.1.1.1", Action: domain.ActionAdd}); err == nil {
		t.Fatal("expected error, got nil")
	}
	if len(audit.entries) != 0 {
		t.Fatalf("recorded %d entries, want 0", len(audit.entries))
	}
}

func TestAddStoresCallerSpellingAndKeepsOtherEntries(t *testing.T) {
	for _, ip := range []string{"2001:DB8::1", "::ffff:1.2.3.4", "2001:0db8::1"} {
		store := newFakeStore("192.0.2.10", "2001:DB8:0::abcd")
		m := newTestManager(store)

		if _, err := m.Update(context.Background(), Change{IP: ip, Action: domain.ActionAdd}); err != nil {
			t.Fatalf("Update(%s) returned error: %v", ip, err)
		}

		got, err := m.List(context.Background())
		if err != nil {
			t.Fatalf("List returned error: %v", err)
		}
		want := []string{"192.0.2.10", "2001:DB8:0::abcd", ip}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("List() after add %q = %q, want %q", ip, got, want)
		}
	}
}

func TestRemoveMatchesDifferentlySpelledEntry(t *testing.T) {
	store := newFakeStore("2001:DB8::1", "1.1.1.1")
	m := newTestManager(store)

	result, err := m.Update(context.Background(), Change{IP: "2001:db8:0::1", Action: domain.ActionRemove})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if !result.Changed {
		t.Fatal("Changed = false, want true")
	}
	if got := store.entries(t); !reflect.DeepEqual(got, []string{"1.1.1.1"}) {
		t.Fatalf("stored = %v, want [1.1.1.1]", got)
	}
}

// blockingStore holds every read until release is closed.
type blockingStore struct {
	*fakeStore
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingStore) GetPluginMetadata(ctx context.Context, plugin string) (apisix.Metadata, bool, error) {
	s.once.Do(func() { close(s.started) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	return s.fakeStore.GetPluginMetadata(ctx, plugin)
}

func TestListSurvivesFirstCallerCancellation(t *testing.T) {
	store := &blockingStore{
		fakeStore: newFakeStore("1.2.3.4"),
		started:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	m := NewManager(store, support.NewLocalLock())

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.List(firstCtx)
		firstErr <- err
	}()
	<-store.started

	type listResult struct {
		entries []string
		err     error
	}
	second := make(chan listResult, 1)
	go func() {
		entries, err := m.List(context.Background())
		second <- listResult{entries, err}
	}()

	// Give the second caller time to join the in-flight read.
	time.Sleep(20 * time.Millisecond)
	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("first List error = %v, want context canceled", err)
	}

	close(store.release)
	select {
	case res := <-second:
		if res.err != nil {
			t.Fatalf("second List returned error: %v", res.err)
		}
		if !reflect.DeepEqual(res.entries, []string{"1.2.3.4"}) {
			t.Fatalf("second List() = %v, want [1.2.3.4]", res.entries)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second List did not return")
	}
}

func TestUpdateResultMessage(t *testing.T) {
	cases := []struct {
		result UpdateResult
		want   string
	}{
		{UpdateResult{IP: "1.1.1.1", Action: domain.ActionAdd, Changed: true}, "IP 1.1.1.1 added successfully"},
		{UpdateResult{IP: "1.1.1.1", Action: domain.ActionAdd}, "IP 1.1.1.1 is already blacklisted"},
		{UpdateResult{IP: "1.1.1.1", Action: domain.ActionRemove, Changed: true}, "IP 1.1.1.1 removed successfully"},
		{UpdateResult{IP: "1.1.1.1", Action: domain.ActionRemove}, "IP 1.1.1.1 was not blacklisted"},
	}

	for _, tc := range cases {
		if got := tc.result.Message(); got != tc.want {
			t.Fatalf("Message(%+v) = %q, want %q", tc.result, got, tc.want)
		}
	}
}
