package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullArtifacts() *Artifacts {
	return &Artifacts{JSON: "batch.json", XLSX: "batch.xlsx", Log: "log.txt"}
}

func recordFile(t *testing.T, r *Registry, id string, count int, name string, failed bool) {
	t.Helper()
	res := FileResult{Index: count, File: name, Data: []byte(`{}`)}
	if failed {
		res = FileResult{Index: count, File: name, Error: "boom"}
	}
	require.NoError(t, r.UpdateProgress(id, Progress{Count: count, Current: name}))
	require.NoError(t, r.UpdateProgress(id, Progress{Count: count + 1, Current: name, Result: &res}))
}

func TestRegistryCreateAndGet(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Create(nil, false)
	require.ErrorIs(t, err, ErrNoFiles)

	id, err := r.Create([]string{"a.pdf", "b.pdf"}, true)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	s, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, s.Status)
	assert.Equal(t, 0, s.Count)
	assert.Equal(t, 2, s.Total)
	assert.True(t, s.UseCache)
	assert.Nil(t, s.Artifacts)

	other, err := r.Create([]string{"c.pdf"}, false)
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry(nil)
	s, err := r.Get("missing")
	require.ErrorIs(t, err, ErrTaskNotFound)
	assert.Equal(t, Snapshot{}, s)

	require.ErrorIs(t, r.UpdateProgress("missing", Progress{}), ErrTaskNotFound)
	require.ErrorIs(t, r.Finalize("missing", Outcome{Status: StatusFailed}), ErrTaskNotFound)
	require.ErrorIs(t, r.Cancel("missing"), ErrTaskNotFound)
}

func TestRegistryRejectsInvalidProgress(t *testing.T) {
	r := NewRegistry(nil)
	id, err := r.Create([]string{"a.pdf", "b.pdf"}, false)
	require.NoError(t, err)

	res := &FileResult{File: "a.pdf"}
	cases := []struct {
		name string
		p    Progress
	}{
		{"progress while queued", Progress{Count: 1, Result: res}},
		{"terminal status", Progress{Status: StatusCompleted}},
		{"exceeds total", Progress{Status: StatusRunning, Count: 3, Result: res}},
	}
	for _, c := range cases {
		err := r.UpdateProgress(id, c.p)
		require.ErrorIs(t, err, ErrInvalidTransition, c.name)
	}

	require.NoError(t, r.UpdateProgress(id, Progress{Status: StatusRunning, Current: "a.pdf"}))
	require.ErrorIs(t, r.UpdateProgress(id, Progress{Count: 1}), ErrInvalidTransition, "increment without result")
	require.ErrorIs(t, r.UpdateProgress(id, Progress{Count: 2, Result: res}), ErrInvalidTransition, "skips a file")
	require.ErrorIs(t, r.UpdateProgress(id, Progress{Result: res}), ErrInvalidTransition, "result without increment")
	require.ErrorIs(t, r.UpdateProgress(id, Progress{Status: StatusQueued}), ErrInvalidTransition, "back to queued")

	require.NoError(t, r.UpdateProgress(id, Progress{Count: 1, Result: res}))
	require.ErrorIs(t, r.UpdateProgress(id, Progress{Count: 0}), ErrInvalidTransition, "count decreases")

	s, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Count)
	assert.Equal(t, StatusRunning, s.Status)
}

func TestRegistryFinalizeCompleted(t *testing.T) {
	r := NewRegistry(nil)
	id, err := r.Create([]string{"a.pdf", "b.pdf"}, false)
	require.NoError(t, err)
	require.NoError(t, r.UpdateProgress(id, Progress{Status: StatusRunning}))
	recordFile(t, r, id, 0, "a.pdf", false)

	err = r.Finalize(id, Outcome{Status: StatusCompleted, Artifacts: fullArtifacts()})
	require.ErrorIs(t, err, ErrInvalidTransition, "count below total")

	recordFile(t, r, id, 1, "b.pdf", true)
	err = r.Finalize(id, Outcome{Status: StatusCompleted, Artifacts: &Artifacts{JSON: "x"}})
	require.ErrorIs(t, err, ErrInvalidTransition, "partial artifacts")
	require.ErrorIs(t, r.Finalize(id, Outcome{Status: StatusRunning}), ErrInvalidTransition)

	require.NoError(t, r.Finalize(id, Outcome{Status: StatusCompleted, Artifacts: fullArtifacts()}))
	s, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, 2, s.Count)
	assert.Equal(t, 1, s.Failures)
	require.NotNil(t, s.Artifacts)
	assert.Equal(t, "batch.json", s.Artifacts.Path(ArtifactJSON))

	// second finalization is a no-op
	require.NoError(t, r.Finalize(id, Outcome{Status: StatusFailed, Error: "late"}))
	again, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, s, again)

	require.ErrorIs(t, r.UpdateProgress(id, Progress{Count: 2}), ErrAlreadyTerminal)
	require.NoError(t, r.Cancel(id), "cancel after completion is a no-op")
}

func TestRegistryCancelAndClaim(t *testing.T) {
	r := NewRegistry(nil)
	id, err := r.Create([]string{"a.pdf"}, false)
	require.NoError(t, err)

	claimed, err := r.ClaimArtifacts(id)
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = r.ClaimArtifacts(id)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, r.Cancel(id))
	s, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, "cancelled", s.Error)
	assert.Nil(t, s.Artifacts)

	require.ErrorIs(t, r.UpdateProgress(id, Progress{Status: StatusRunning}), ErrAlreadyTerminal)
}

func TestRegistryResultsAreCopies(t *testing.T) {
	r := NewRegistry(nil)
	id, err := r.Create([]string{"a.pdf"}, false)
	require.NoError(t, err)
	require.NoError(t, r.UpdateProgress(id, Progress{Status: StatusRunning, Log: "started"}))
	recordFile(t, r, id, 0, "a.pdf", false)

	results, lines, err := r.Results(id)
	require.NoError(t, err)
	require.Len(t, results, 1)
	results[0].File = "mutated"
	lines[0] = "mutated"

	again, lines2, err := r.Results(id)
	require.NoError(t, err)
	assert.Equal(t, "a.pdf", again[0].File)
	assert.Equal(t, "started", lines2[0])
}

func TestRegistryExpireAndDelete(t *testing.T) {
	r := NewRegistry(nil)
	now := time.Now()
	r.now = func() time.Time { return now }

	oldID, err := r.Create([]string{"a.pdf"}, false)
	require.NoError(t, err)
	require.NoError(t, r.Cancel(oldID))
	liveID, err := r.Create([]string{"b.pdf"}, false)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	assert.Equal(t, []string{oldID}, r.Expire(time.Hour))

	require.NoError(t, r.Delete(context.Background(), oldID))
	_, err = r.Get(oldID)
	require.ErrorIs(t, err, ErrTaskNotFound)
	require.ErrorIs(t, r.Delete(context.Background(), oldID), ErrTaskNotFound)

	_, err = r.Get(liveID)
	require.NoError(t, err)
}

func TestRegistryConcurrentPollersSeeMonotonicProgress(t *testing.T) {
	const total = 200
	r := NewRegistry(nil)
	files := make([]string, total)
	for i := range files {
		files[i] = "f.pdf"
	}
	id, err := r.Create(files, false)
	require.NoError(t, err)
	require.NoError(t, r.UpdateProgress(id, Progress{Status: StatusRunning}))

	done := make(chan struct{})
	var wg sync.WaitGroup
	violations := make(chan string, 100)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := -1
			for {
				s, err := r.Get(id)
				if err != nil {
					violations <- err.Error()
					return
				}
				msg := ""
				switch {
				case s.Count < last:
					msg = "count went backwards"
				case s.Count > s.Total:
					msg = "count exceeds total"
				case s.Status == StatusCompleted && (s.Count != s.Total || s.Artifacts == nil):
					msg = "completed snapshot is torn"
				case s.Status != StatusCompleted && s.Artifacts != nil:
					msg = "artifacts visible before completion"
				}
				if msg != "" {
					violations <- msg
					return
				}
				last = s.Count
				if s.Status.Terminal() {
					return
				}
				select {
				case <-done:
					return
				default:
				}
			}
		}()
	}

	for i := range total {
		recordFile(t, r, id, i, "f.pdf", i%7 == 0)
	}
	require.NoError(t, r.Finalize(id, Outcome{Status: StatusCompleted, Artifacts: fullArtifacts()}))
	close(done)
	wg.Wait()
	close(violations)
	for v := range violations {
		t.Fatal(v)
	}
}
