package commandlog

import (
	"sync"
	"testing"
	"time"
)

type recordingListener struct {
	mu        sync.Mutex
	completed []Pending
	notify    chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{notify: make(chan struct{}, 16)}
}

func (r *recordingListener) Durable(completed []Pending) {
	r.mu.Lock()
	r.completed = append(r.completed, completed...)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *recordingListener) snapshot() []Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Pending(nil), r.completed...)
}

func waitFor(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for durability callback")
	}
}

func TestAsyncAppendCompletesFuture(t *testing.T) {
	l := New(OpenMemory(), DefaultOptions(), nil)
	t.Cleanup(func() { l.Close() })

	if !l.CanOfferTask() {
		t.Fatal("async log: CanOfferTask() = false, want true")
	}
	fut := l.Append([]byte("entry"), 100, 555, "task")
	if fut == nil {
		t.Fatal("async Append returned nil future")
	}
	if err := fut.Wait(); err != nil {
		t.Fatalf("future error: %v", err)
	}
	if got := l.LastDurableUniqueID(); got != 555 {
		t.Errorf("LastDurableUniqueID() = %d, want 555", got)
	}
}

func TestSyncAppendRedeliversTasks(t *testing.T) {
	opts := DefaultOptions()
	opts.Synchronous = true
	l := New(OpenMemory(), opts, nil)
	t.Cleanup(func() { l.Close() })

	if l.CanOfferTask() {
		t.Fatal("sync log: CanOfferTask() = true, want false")
	}
	rl := newRecordingListener()
	l.RegisterDurabilityListener(rl)

	if fut := l.Append([]byte("a"), 1, 10, "task-a"); fut != nil {
		t.Error("sync Append returned non-nil future")
	}
	waitFor(t, rl.notify)

	completed := rl.snapshot()
	if len(completed) != 1 {
		t.Fatalf("completed = %d pendings, want 1", len(completed))
	}
	if completed[0].Task != "task-a" || completed[0].SpHandle != 1 {
		t.Errorf("completed[0] = %+v, want task-a at handle 1", completed[0])
	}
}

func TestDisabledLogIsInert(t *testing.T) {
	l := New(nil, Options{Enabled: false}, nil)
	t.Cleanup(func() { l.Close() })

	if !l.CanOfferTask() {
		t.Error("disabled log: CanOfferTask() = false, want true")
	}
	if fut := l.Append([]byte("x"), 1, 1, nil); fut != nil {
		t.Error("disabled Append returned non-nil future")
	}
	if fut := l.AppendFault(FaultEntry{SpHandle: 5}); fut != nil {
		t.Error("disabled AppendFault returned non-nil future")
	}
}

func TestFaultEntryRoundtrip(t *testing.T) {
	for name, open := range map[string]func(string) (Store, error){
		"pebble": OpenPebble,
		"badger": OpenBadger,
	} {
		t.Run(name, func(t *testing.T) {
			store, err := open(t.TempDir())
			if err != nil {
				t.Fatalf("open store: %v", err)
			}
			t.Cleanup(func() { store.Close() })

			if _, found, err := store.LastFault(); err != nil || found {
				t.Fatalf("LastFault() on empty store = found=%v err=%v", found, err)
			}
			want := FaultEntry{LeaderID: 7, Replicas: []int64{7, 8}, Partition: 3, SpHandle: 900}
			if err := store.PutFault(want, true); err != nil {
				t.Fatalf("PutFault() error: %v", err)
			}
			got, found, err := store.LastFault()
			if err != nil || !found {
				t.Fatalf("LastFault() = found=%v err=%v", found, err)
			}
			if got.SpHandle != want.SpHandle || got.LeaderID != want.LeaderID {
				t.Errorf("LastFault() = %+v, want %+v", got, want)
			}
		})
	}
}

func TestScanOrdersByHandle(t *testing.T) {
	store, err := OpenPebble(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	in := []Entry{
		{SpHandle: 30, UniqueID: 3, Data: []byte("c")},
		{SpHandle: 10, UniqueID: 1, Data: []byte("a")},
		{SpHandle: -20, UniqueID: 2, Data: []byte("b")},
	}
	if err := store.AppendEntries(in, true); err != nil {
		t.Fatalf("AppendEntries() error: %v", err)
	}
	var handles []int64
	if err := store.Scan(func(e Entry) bool {
		handles = append(handles, e.SpHandle)
		return true
	}); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	want := []int64{-20, 10, 30}
	if len(handles) != 3 || handles[0] != want[0] || handles[1] != want[1] || handles[2] != want[2] {
		t.Errorf("scan order = %v, want %v", handles, want)
	}
}
