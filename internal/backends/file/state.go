package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/totpguard/totpguard/internal/backends"
	"github.com/totpguard/totpguard/internal/model"
)

// StateBackend stores one JSON file per user under Dir, locked for the
// duration of a StateHandle with an advisory flock on the open file
// descriptor (spec.md §4.4/§6).
type StateBackend struct {
	Dir string
}

// NewStateBackend constructs a StateBackend rooted at dir.
func NewStateBackend(dir string) *StateBackend {
	return &StateBackend{Dir: dir}
}

// wireFormat mirrors spec.md §6's state file: fail_timestamps,
// used_scratch_tokens, used_timestamps (counter value, as a decimal
// string key, to first-use time).
type wireFormat struct {
	FailTimestamps    []int64          `json:"fail_timestamps"`
	UsedScratchTokens []string         `json:"used_scratch_tokens"`
	UsedTimestamps    map[string]int64 `json:"used_timestamps"`
}

// GetUserState implements backends.StateBackend. It blocks until any
// other holder of this user's lock has released it.
func (b *StateBackend) GetUserState(ctx context.Context, username string) (backends.StateHandle, error) {
	if err := os.MkdirAll(b.Dir, 0700); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	path := filepath.Join(b.Dir, username+".json")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening state file for %q: %w", username, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("locking state file for %q: %w", username, err)
	}

	state, err := readState(f, username)
	if err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, err
	}

	return &stateHandle{file: f, state: state}, nil
}

// DeleteUserState implements backends.StateBackend. It takes the lock
// before removing the file so a concurrent holder's update cannot race
// the deletion.
func (b *StateBackend) DeleteUserState(ctx context.Context, username string) error {
	path := filepath.Join(b.Dir, username+".json")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("opening state file for %q: %w", username, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("locking state file for %q: %w", username, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing state file for %q: %w", username, err)
	}
	return nil
}

func readState(f *os.File, username string) (*model.UserState, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stating state file for %q: %w", username, err)
	}

	state := &model.UserState{
		Username:       username,
		UsedTimestamps: map[uint64]int64{},
	}
	if info.Size() == 0 {
		return state, nil
	}

	var wf wireFormat
	dec := json.NewDecoder(f)
	if err := dec.Decode(&wf); err != nil {
		return nil, fmt.Errorf("decoding state file for %q: %w", username, err)
	}

	state.FailTimestamps = wf.FailTimestamps
	state.UsedScratchTokens = wf.UsedScratchTokens
	for counterStr, firstUse := range wf.UsedTimestamps {
		counter, err := strconv.ParseUint(counterStr, 10, 64)
		if err != nil {
			continue
		}
		state.UsedTimestamps[counter] = firstUse
	}
	return state, nil
}

type stateHandle struct {
	file  *os.File
	state *model.UserState
}

func (h *stateHandle) State() *model.UserState { return h.state }

// Commit implements backends.StateHandle.
func (h *stateHandle) Commit(ctx context.Context) error {
	defer h.release()

	wf := wireFormat{
		FailTimestamps:    h.state.FailTimestamps,
		UsedScratchTokens: h.state.UsedScratchTokens,
		UsedTimestamps:    make(map[string]int64, len(h.state.UsedTimestamps)),
	}
	for counter, firstUse := range h.state.UsedTimestamps {
		wf.UsedTimestamps[strconv.FormatUint(counter, 10)] = firstUse
	}

	if err := h.file.Truncate(0); err != nil {
		return fmt.Errorf("truncating state file for %q: %w", h.state.Username, err)
	}
	if _, err := h.file.Seek(0, 0); err != nil {
		return fmt.Errorf("seeking state file for %q: %w", h.state.Username, err)
	}

	enc := json.NewEncoder(h.file)
	if err := enc.Encode(wf); err != nil {
		return fmt.Errorf("encoding state file for %q: %w", h.state.Username, err)
	}
	return h.file.Sync()
}

// Abort implements backends.StateHandle: release the lock, discard any
// in-memory mutation.
func (h *stateHandle) Abort(ctx context.Context) error {
	h.release()
	return nil
}

func (h *stateHandle) release() {
	unix.Flock(int(h.file.Fd()), unix.LOCK_UN)
	h.file.Close()
}
